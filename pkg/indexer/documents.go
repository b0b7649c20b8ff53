package indexer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jervisai/jervis/pkg/normalize"
	"github.com/jervisai/jervis/pkg/search"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

// document is one indexable unit cut from a staged artifact: the main
// body, or one comment. Documents cross-reference each other through
// RelatedDocs so retrieval can pull the whole thread.
type document struct {
	ID          string
	Text        string
	Title       string
	Author      string
	CreatedAt   time.Time
	RelatedDocs []string
}

// artifactDocs holds everything the indexer derived from one artifact.
type artifactDocs struct {
	Class     string
	Model     string
	SourceURI string
	ParentRef string
	Branch    string
	Folder    string
	Labels    string
	Language  string
	Docs      []document
	// Links are URLs contained in the artifact, registered in
	// indexed_links after a successful write.
	Links []string
	// FoundLinks are URLs discovered inside free-form body text. They
	// are handed to the link safety qualifier, never fetched here.
	FoundLinks []foundLink
}

// foundLink is a URL with the text surrounding it, the context the
// safety qualifier and its review tasks work from.
type foundLink struct {
	URL     string
	Context string
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]}]+`)

// extractLinks finds URLs in body text with ±150 characters of context.
func extractLinks(body string) []foundLink {
	var links []foundLink
	for _, loc := range urlPattern.FindAllStringIndex(body, -1) {
		start := loc[0] - 150
		if start < 0 {
			start = 0
		}
		end := loc[1] + 150
		if end > len(body) {
			end = len(body)
		}
		links = append(links, foundLink{
			URL:     strings.TrimRight(body[loc[0]:loc[1]], ".,;"),
			Context: body[start:end],
		})
	}
	return links
}

// buildDocs decodes the staged payload and cuts it into documents.
func buildDocs(src storage.Source, item storage.StagedItem) (*artifactDocs, error) {
	switch src {
	case storage.SourceIssues:
		return buildIssueDocs(item)
	case storage.SourceWiki:
		return buildWikiDocs(item)
	case storage.SourceEmail:
		return buildEmailDocs(item)
	case storage.SourceGit:
		return buildCommitDocs(item)
	}
	return nil, fmt.Errorf("unknown source collection %s", src)
}

func parentRef(src storage.Source, meta types.ArtifactMeta) string {
	return fmt.Sprintf("%s/%s/%s", src, meta.ConnectionID, meta.SourceKey)
}

func buildIssueDocs(item storage.StagedItem) (*artifactDocs, error) {
	var issue types.IssueItem
	if err := json.Unmarshal(item.Data, &issue); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}

	out := &artifactDocs{
		Class:     search.ClassSemanticText,
		SourceURI: issue.URL,
		ParentRef: parentRef(storage.SourceIssues, item.Meta),
		Labels:    strings.Join(issue.Labels, ","),
	}
	if out.SourceURI == "" {
		out.SourceURI = issue.Key
	}
	if issue.URL != "" {
		out.Links = append(out.Links, issue.URL)
	}

	var header strings.Builder
	fmt.Fprintf(&header, "%s: %s\n", issue.Key, issue.Summary)
	if issue.IssueType != "" || issue.Status != "" {
		fmt.Fprintf(&header, "Type: %s  Status: %s  Priority: %s\n", issue.IssueType, issue.Status, issue.Priority)
	}
	if issue.Assignee != "" {
		fmt.Fprintf(&header, "Assignee: %s  Reporter: %s\n", issue.Assignee, issue.Reporter)
	}
	if issue.Description != "" {
		header.WriteString("\n")
		header.WriteString(issue.Description)
	}

	mainID := issue.Key + "#main"
	main := document{
		ID:        mainID,
		Text:      normalize.TextPreservingCode(header.String()),
		Title:     issue.Summary,
		Author:    issue.Reporter,
		CreatedAt: item.Meta.ExternalUpdatedAt,
	}

	var comments []document
	for i, c := range issue.Comments {
		id := fmt.Sprintf("%s#comment-%d", issue.Key, i)
		main.RelatedDocs = append(main.RelatedDocs, id)
		comments = append(comments, document{
			ID:          id,
			Text:        normalize.TextPreservingCode(c.Body),
			Title:       issue.Summary,
			Author:      c.Author,
			CreatedAt:   c.CreatedAt,
			RelatedDocs: []string{mainID},
		})
	}

	out.Docs = append([]document{main}, comments...)
	return out, nil
}

func buildWikiDocs(item storage.StagedItem) (*artifactDocs, error) {
	var page types.WikiPage
	if err := json.Unmarshal(item.Data, &page); err != nil {
		return nil, fmt.Errorf("decode wiki page: %w", err)
	}

	out := &artifactDocs{
		Class:     search.ClassSemanticText,
		SourceURI: page.URL,
		ParentRef: parentRef(storage.SourceWiki, item.Meta),
	}
	if out.SourceURI == "" {
		out.SourceURI = page.SpaceKey + "/" + page.SourceKey
	}
	if page.URL != "" {
		out.Links = append(out.Links, page.URL)
	}

	mainID := page.SourceKey + "#main"
	main := document{
		ID:        mainID,
		Text:      normalize.TextPreservingCode(page.Title + "\n\n" + stripMarkup(page.Body)),
		Title:     page.Title,
		Author:    page.Author,
		CreatedAt: item.Meta.ExternalUpdatedAt,
	}

	var comments []document
	for i, c := range page.Comments {
		id := fmt.Sprintf("%s#comment-%d", page.SourceKey, i)
		main.RelatedDocs = append(main.RelatedDocs, id)
		comments = append(comments, document{
			ID:          id,
			Text:        normalize.Text(stripMarkup(c.Body)),
			Title:       page.Title,
			Author:      c.Author,
			CreatedAt:   c.CreatedAt,
			RelatedDocs: []string{mainID},
		})
	}

	out.Docs = append([]document{main}, comments...)
	return out, nil
}

func buildEmailDocs(item storage.StagedItem) (*artifactDocs, error) {
	var msg types.EmailMessage
	if err := json.Unmarshal(item.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode email: %w", err)
	}

	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		body = stripMarkup(msg.HTMLBody)
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Subject: %s\nFrom: %s\n", msg.Subject, msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&text, "To: %s\n", strings.Join(msg.To, ", "))
	}
	text.WriteString("\n")
	text.WriteString(body)

	return &artifactDocs{
		Class:      search.ClassSemanticText,
		SourceURI:  "mail:" + item.Meta.SourceKey,
		ParentRef:  parentRef(storage.SourceEmail, item.Meta),
		Folder:     msg.Folder,
		FoundLinks: extractLinks(body),
		Docs: []document{{
			ID:        item.Meta.SourceKey + "#main",
			Text:      normalize.Text(text.String()),
			Title:     msg.Subject,
			Author:    msg.From,
			CreatedAt: msg.Date,
		}},
	}, nil
}

func buildCommitDocs(item storage.StagedItem) (*artifactDocs, error) {
	var commit types.GitCommit
	if err := json.Unmarshal(item.Data, &commit); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}

	var text strings.Builder
	fmt.Fprintf(&text, "commit %s\nAuthor: %s <%s>\n\n%s", commit.Hash, commit.Author, commit.AuthorEmail, commit.Message)
	if len(commit.Files) > 0 {
		fmt.Fprintf(&text, "\n\nFiles:\n%s", strings.Join(commit.Files, "\n"))
	}

	return &artifactDocs{
		Class:     search.ClassSemanticCode,
		SourceURI: commit.RepoURL + "#" + commit.Hash,
		ParentRef: parentRef(storage.SourceGit, item.Meta),
		Branch:    commit.Branch,
		Docs: []document{{
			ID:        commit.Hash + "#main",
			Text:      normalize.TextPreservingCode(text.String()),
			Title:     firstLine(commit.Message),
			Author:    commit.Author,
			CreatedAt: commit.CommittedAt,
		}},
	}, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// stripMarkup removes HTML/XML tags, good enough for wiki storage format
// and HTML-only mail. Entities common in both are decoded.
func stripMarkup(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for entity, repl := range map[string]string{
		"&nbsp;": " ", "&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`, "&#39;": "'",
	} {
		out = strings.ReplaceAll(out, entity, repl)
	}
	return out
}
