// Package extract turns source URLs into clean UTF-8 text plus a location
// map that ties every byte offset back to an external anchor (heading, page,
// timestamp). One extractor exists per source kind; dispatch is explicit
// through a registry populated at startup.
package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// Metadata describes the source document as reported by the extractor.
type Metadata struct {
	Title       string
	Author      string
	PublishedAt *time.Time
	DurationMS  *int64
	ContentType string
	ETag        string
}

// Result is the output of a successful extraction. Text is valid UTF-8 and
// Locations covers [0, len(Text)).
type Result struct {
	Raw       []byte
	Text      string
	Locations *kb.LocationMap
	Meta      Metadata
}

// Extractor converts one kind of source into text.
type Extractor interface {
	// Kind returns the source kind this extractor handles.
	Kind() kb.SourceKind

	// Matches reports whether this extractor claims the URL.
	Matches(url string) bool

	// Validate checks the URL without fetching it.
	Validate(url string) error

	// Extract fetches and converts the source. I/O failures are transient;
	// structurally unreadable sources are data integrity errors.
	Extract(ctx context.Context, url string) (*Result, error)
}

// Registry dispatches URLs to extractors in registration order.
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an extractor. Earlier registrations win ties, so register
// specific extractors (pdf, subtitles) before the generic web one.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// ForURL returns the first extractor claiming the URL.
func (r *Registry) ForURL(url string) (Extractor, error) {
	for _, e := range r.extractors {
		if e.Matches(url) {
			return e, nil
		}
	}
	return nil, store.Validation(fmt.Errorf("no extractor for %q", url))
}

// Validate dispatches the URL to its extractor's pre-fetch check. Failures
// are validation errors: an unsupported or unsafe URL is the caller's
// input, never a server condition.
func (r *Registry) Validate(url string) error {
	e, err := r.ForURL(url)
	if err != nil {
		return err
	}
	if err := e.Validate(url); err != nil {
		return store.Validation(err)
	}
	return nil
}

// Get returns the extractor for a source kind.
func (r *Registry) Get(kind kb.SourceKind) (Extractor, error) {
	for _, e := range r.extractors {
		if e.Kind() == kind {
			return e, nil
		}
	}
	return nil, store.Validation(fmt.Errorf("no extractor for source kind %q", kind))
}
