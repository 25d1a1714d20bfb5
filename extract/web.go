package extract

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

var (
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
	headingLineRe    = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
)

// WebExtractor fetches HTML pages, isolates the article body, and converts
// it to markdown. Heading positions in the markdown become the location map.
type WebExtractor struct {
	fetcher   *Fetcher
	converter *md.Converter
}

// NewWebExtractor creates a web extractor over the given fetcher.
func NewWebExtractor(fetcher *Fetcher) *WebExtractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &WebExtractor{fetcher: fetcher, converter: converter}
}

func (e *WebExtractor) Kind() kb.SourceKind { return kb.SourceWeb }

// Matches claims any HTTP(S) URL not claimed by a more specific extractor,
// so the web extractor must be registered last.
func (e *WebExtractor) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (e *WebExtractor) Validate(rawURL string) error {
	if e.fetcher.allowPrivate {
		if _, err := url.Parse(rawURL); err != nil {
			return store.Validation(err)
		}
		return nil
	}
	if err := ValidateURL(rawURL); err != nil {
		return store.Validation(err)
	}
	return nil
}

// Extract fetches the page, runs readability extraction, and converts the
// article HTML to markdown. Pages readability cannot parse fall back to
// whole-document conversion.
func (e *WebExtractor) Extract(ctx context.Context, rawURL string) (*Result, error) {
	fetched, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	meta := Metadata{ContentType: fetched.ContentType, ETag: fetched.ETag}
	content := string(fetched.Body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(content), parsedURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		meta.Title = strings.TrimSpace(article.Title)
		meta.Author = strings.TrimSpace(article.Byline)
		content = article.Content
	} else if title := extractHTMLTitle(fetched.Body); title != "" {
		meta.Title = title
	}

	markdown, err := e.converter.ConvertString(content)
	if err != nil {
		return nil, store.DataIntegrity(fmt.Errorf("convert %s to markdown: %w", rawURL, err))
	}
	markdown = cleanMarkdown(markdown)
	if markdown == "" {
		return nil, store.DataIntegrity(fmt.Errorf("no text content at %s", rawURL))
	}
	markdown = sanitizeUTF8(markdown)

	if meta.Title == "" {
		meta.Title = firstMarkdownHeading(markdown)
	}

	return &Result{
		Raw:       fetched.Body,
		Text:      markdown,
		Locations: buildHeadingMap(markdown),
		Meta:      meta,
	}, nil
}

// buildHeadingMap produces anchors at every markdown heading. The heading
// path is the join of the open headings at each level, so a chunk inside
// "## Setup" under "# Guide" resolves to "Guide > Setup".
func buildHeadingMap(markdown string) *kb.LocationMap {
	m := kb.NewLocationMap(kb.Anchor{})
	stack := make([]string, 0, 6)

	offset := 0
	for _, line := range strings.SplitAfter(markdown, "\n") {
		if match := headingLineRe.FindStringSubmatch(strings.TrimRight(line, "\n")); match != nil {
			level := len(match[1])
			title := strings.TrimSpace(match[2])
			if level <= len(stack) {
				stack = stack[:level-1]
			}
			for len(stack) < level-1 {
				stack = append(stack, "")
			}
			stack = append(stack, title)
			path := joinHeadingPath(stack)
			// Errors here mean a same-offset refinement, which merge handles.
			_ = m.Add(offset, kb.Anchor{HeadingPath: path})
		}
		offset += len(line)
	}
	return m
}

func joinHeadingPath(stack []string) string {
	parts := make([]string, 0, len(stack))
	for _, s := range stack {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " > ")
}

func firstMarkdownHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if match := headingLineRe.FindStringSubmatch(strings.TrimSpace(line)); match != nil {
			return strings.TrimSpace(match[2])
		}
	}
	return ""
}

func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
