// Package safety decides whether a discovered URL may ever be fetched.
// Qualification walks a fixed tier order from cheap lookups (indexed
// links, unsafe cache, learned patterns, static rules, domain lists)
// to heuristics and finally a local model; anything still ambiguous
// becomes a review task for the user instead of a fetch.
package safety
