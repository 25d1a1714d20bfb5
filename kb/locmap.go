package kb

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Anchor is an external location a byte offset resolves to: a page in a PDF,
// a timestamp in a video, or a heading path in a structured text.
type Anchor struct {
	PageNumber  *int   `json:"page_number,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	HeadingPath string `json:"heading_path,omitempty"`
}

// LocationMap maps byte offsets in extracted text to external anchors.
// It is a monotonically increasing step function: Resolve(o) yields the entry
// with the greatest offset <= o. Built by an extractor, immutable afterwards.
type LocationMap struct {
	offsets []int
	anchors []Anchor
}

// NewLocationMap returns a map with a single anchor covering offset 0.
// The zero-offset entry guarantees the map covers [0, len(text)).
func NewLocationMap(root Anchor) *LocationMap {
	return &LocationMap{offsets: []int{0}, anchors: []Anchor{root}}
}

// Add appends an anchor at the given byte offset. Offsets must be added in
// strictly increasing order; adding at an existing or earlier offset replaces
// nothing and returns an error.
func (m *LocationMap) Add(offset int, a Anchor) error {
	if offset < 0 {
		return fmt.Errorf("negative offset %d", offset)
	}
	if n := len(m.offsets); n > 0 && offset <= m.offsets[n-1] {
		if offset == m.offsets[n-1] {
			// Same offset refines the current anchor (e.g. page + heading).
			m.anchors[n-1] = merge(m.anchors[n-1], a)
			return nil
		}
		return fmt.Errorf("offset %d not after %d", offset, m.offsets[n-1])
	}
	m.offsets = append(m.offsets, offset)
	m.anchors = append(m.anchors, a)
	return nil
}

// Resolve returns the anchor for the greatest mapped offset <= o.
func (m *LocationMap) Resolve(o int) Anchor {
	if len(m.offsets) == 0 {
		return Anchor{}
	}
	// First index with offset > o; the answer is the entry before it.
	i := sort.SearchInts(m.offsets, o+1)
	if i == 0 {
		return m.anchors[0]
	}
	return m.anchors[i-1]
}

// Len returns the number of entries.
func (m *LocationMap) Len() int { return len(m.offsets) }

// merge overlays non-zero fields of b onto a.
func merge(a, b Anchor) Anchor {
	if b.PageNumber != nil {
		a.PageNumber = b.PageNumber
	}
	if b.TimestampMS != nil {
		a.TimestampMS = b.TimestampMS
	}
	if b.HeadingPath != "" {
		a.HeadingPath = b.HeadingPath
	}
	return a
}

// locEntry is the wire form of one map entry.
type locEntry struct {
	Offset int    `json:"offset"`
	Anchor Anchor `json:"anchor"`
}

// MarshalJSON serializes the map as an ordered entry list for blob storage.
func (m *LocationMap) MarshalJSON() ([]byte, error) {
	entries := make([]locEntry, len(m.offsets))
	for i, off := range m.offsets {
		entries[i] = locEntry{Offset: off, Anchor: m.anchors[i]}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON restores a map from its entry list form.
func (m *LocationMap) UnmarshalJSON(data []byte) error {
	var entries []locEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.offsets = m.offsets[:0]
	m.anchors = m.anchors[:0]
	for _, e := range entries {
		m.offsets = append(m.offsets, e.Offset)
		m.anchors = append(m.anchors, e.Anchor)
	}
	return nil
}
