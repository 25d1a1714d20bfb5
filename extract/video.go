package extract

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/store"
)

// cueTimeRe matches WebVTT and SRT cue timing lines. Hours are optional,
// the millisecond separator is "." in WebVTT and "," in SRT.
var cueTimeRe = regexp.MustCompile(`^(?:(\d+):)?(\d{1,2}):(\d{2})[.,](\d{3})\s+-->\s+(?:(\d+):)?(\d{1,2}):(\d{2})[.,](\d{3})`)

// VideoExtractor ingests video sources through their caption tracks
// (WebVTT or SRT). Each cue's start time becomes a location map anchor so
// citations resolve back to a playback position.
type VideoExtractor struct {
	fetcher *Fetcher
}

// NewVideoExtractor creates a caption-track extractor over the given fetcher.
func NewVideoExtractor(fetcher *Fetcher) *VideoExtractor {
	return &VideoExtractor{fetcher: fetcher}
}

func (e *VideoExtractor) Kind() kb.SourceKind { return kb.SourceVideo }

// Matches claims URLs with a caption-file extension.
func (e *VideoExtractor) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".vtt" || ext == ".srt"
}

func (e *VideoExtractor) Validate(rawURL string) error {
	if !e.Matches(rawURL) {
		return store.Validation(fmt.Errorf("not a caption track URL: %s", rawURL))
	}
	if e.fetcher.allowPrivate {
		return nil
	}
	if err := ValidateURL(rawURL); err != nil {
		return store.Validation(err)
	}
	return nil
}

// Extract fetches and parses the caption track. A track with no parseable
// cues is a data integrity failure.
func (e *VideoExtractor) Extract(ctx context.Context, rawURL string) (*Result, error) {
	fetched, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	cues := parseCues(sanitizeUTF8(string(fetched.Body)))
	if len(cues) == 0 {
		return nil, store.DataIntegrity(fmt.Errorf("no cues in caption track %s", rawURL))
	}

	var text strings.Builder
	locations := kb.NewLocationMap(kb.Anchor{})
	var lastEnd int64

	for _, cue := range cues {
		startMS := cue.startMS
		_ = locations.Add(text.Len(), kb.Anchor{TimestampMS: &startMS})
		text.WriteString(cue.text)
		text.WriteString("\n")
		if cue.endMS > lastEnd {
			lastEnd = cue.endMS
		}
	}

	title := ""
	if u, err := url.Parse(rawURL); err == nil {
		title = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	}

	duration := lastEnd
	return &Result{
		Raw:       fetched.Body,
		Text:      strings.TrimRight(text.String(), "\n"),
		Locations: locations,
		Meta: Metadata{
			Title:       title,
			ContentType: fetched.ContentType,
			ETag:        fetched.ETag,
			DurationMS:  &duration,
		},
	}, nil
}

type cue struct {
	startMS int64
	endMS   int64
	text    string
}

// parseCues walks the track line by line. Blocks start at a timing line and
// collect text until a blank line; headers, cue identifiers, and NOTE
// blocks fall out naturally because they never follow a timing line.
func parseCues(content string) []cue {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	var cues []cue
	var current *cue
	var buf []string

	flush := func() {
		if current != nil && len(buf) > 0 {
			current.text = strings.Join(buf, " ")
			cues = append(cues, *current)
		}
		current = nil
		buf = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if start, end, ok := parseCueTiming(trimmed); ok {
			flush()
			current = &cue{startMS: start, endMS: end}
			continue
		}
		if current != nil {
			buf = append(buf, stripCueTags(trimmed))
		}
	}
	flush()
	return cues
}

func parseCueTiming(line string) (startMS, endMS int64, ok bool) {
	m := cueTimeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	return cueMillis(m[1], m[2], m[3], m[4]), cueMillis(m[5], m[6], m[7], m[8]), true
}

func cueMillis(h, m, s, ms string) int64 {
	hours := int64(0)
	if h != "" {
		hours, _ = strconv.ParseInt(h, 10, 64)
	}
	mins, _ := strconv.ParseInt(m, 10, 64)
	secs, _ := strconv.ParseInt(s, 10, 64)
	millis, _ := strconv.ParseInt(ms, 10, 64)
	return ((hours*60+mins)*60+secs)*1000 + millis
}

var cueTagRe = regexp.MustCompile(`<[^>]*>`)

// stripCueTags removes WebVTT styling tags like <v Speaker> and <i>.
func stripCueTags(s string) string {
	return strings.TrimSpace(cueTagRe.ReplaceAllString(s, ""))
}
