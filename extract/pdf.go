package extract

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// PDFExtractor fetches PDF documents and extracts per-page plain text. Each
// page's start offset becomes a location map anchor so chunks and citations
// resolve to page numbers.
type PDFExtractor struct {
	fetcher *Fetcher
}

// NewPDFExtractor creates a PDF extractor over the given fetcher.
func NewPDFExtractor(fetcher *Fetcher) *PDFExtractor {
	return &PDFExtractor{fetcher: fetcher}
}

func (e *PDFExtractor) Kind() kb.SourceKind { return kb.SourcePDF }

// Matches claims URLs with a .pdf path extension.
func (e *PDFExtractor) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

func (e *PDFExtractor) Validate(rawURL string) error {
	if !e.Matches(rawURL) {
		return store.Validation(fmt.Errorf("not a PDF URL: %s", rawURL))
	}
	if e.fetcher.allowPrivate {
		return nil
	}
	if err := ValidateURL(rawURL); err != nil {
		return store.Validation(err)
	}
	return nil
}

// Extract downloads the PDF and walks its pages. Pages that fail text
// extraction are skipped; a document yielding no text at all is a data
// integrity failure since retrying cannot fix it.
func (e *PDFExtractor) Extract(ctx context.Context, rawURL string) (*Result, error) {
	fetched, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	// The pdf reader needs random access, so spool to a temp file.
	tmp, err := os.CreateTemp("", "provgraph-*.pdf")
	if err != nil {
		return nil, store.Transient(fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(fetched.Body); err != nil {
		tmp.Close()
		return nil, store.Transient(fmt.Errorf("write temp file: %w", err))
	}
	tmp.Close()

	f, reader, err := pdf.Open(tmp.Name())
	if err != nil {
		return nil, store.DataIntegrity(fmt.Errorf("open PDF %s: %w", rawURL, err))
	}
	defer f.Close()

	var text strings.Builder
	locations := kb.NewLocationMap(kb.Anchor{})
	skipped := 0

	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, store.Cancelled(err)
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			skipped++
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			skipped++
			continue
		}
		pageText = sanitizeUTF8(strings.TrimSpace(pageText))
		if pageText == "" {
			continue
		}

		pageNum := i
		_ = locations.Add(text.Len(), kb.Anchor{PageNumber: &pageNum})
		text.WriteString(pageText)
		text.WriteString("\n\n")
	}

	out := strings.TrimRight(text.String(), "\n")
	if out == "" {
		return nil, store.DataIntegrity(fmt.Errorf("no extractable text in PDF %s (%d pages skipped)", rawURL, skipped))
	}

	return &Result{
		Raw:       fetched.Body,
		Text:      out,
		Locations: locations,
		Meta: Metadata{
			Title:       pdfTitle(reader, rawURL),
			ContentType: "application/pdf",
			ETag:        fetched.ETag,
		},
	}, nil
}

// pdfTitle reads the document info dictionary, falling back to the URL's
// file name.
func pdfTitle(reader *pdf.Reader, rawURL string) (title string) {
	if u, err := url.Parse(rawURL); err == nil {
		title = path.Base(u.Path)
	}
	// Malformed trailer dictionaries can panic inside the pdf package.
	defer func() { _ = recover() }()
	info := reader.Trailer().Key("Info")
	if !info.IsNull() {
		if v := info.Key("Title"); !v.IsNull() {
			if s := strings.TrimSpace(v.Text()); s != "" {
				title = s
			}
		}
	}
	return title
}
