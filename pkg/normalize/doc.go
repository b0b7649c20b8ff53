// Package normalize turns raw source text into clean, stable input for
// embedding. Every transform is idempotent: normalizing already
// normalized text returns it unchanged. It also estimates token counts
// and splits oversized text under a context budget.
package normalize
