// Package ident provides URL normalization and deterministic identifier
// generation for documents, chunks, mentions, and entities. All functions are
// pure: identical inputs always produce identical IDs, which makes every
// downstream write an idempotent upsert.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/c360studio/provgraph/kb"
)

// sessionParams lists query parameters stripped during normalization.
// These carry per-visit state, not content identity.
var sessionParams = map[string]bool{
	"sessionid":  true,
	"session_id": true,
	"sid":        true,
	"phpsessid":  true,
	"jsessionid": true,
	"fbclid":     true,
	"gclid":      true,
	"msclkid":    true,
	"mc_eid":     true,
	"ref":        true,
}

// sessionPrefixes lists parameter name prefixes treated the same way.
var sessionPrefixes = []string{"utm_"}

// NormalizeURL canonicalizes a URL so that trivially distinct spellings of
// the same resource hash to the same document ID. It lowercases scheme and
// host, decodes percent-encoding, sorts query parameters by key, drops
// session-like parameters, strips the fragment and any trailing slash.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL %q: scheme and host are required", raw)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)

	// Drop default ports.
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	path := parsed.EscapedPath()
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	path = strings.TrimSuffix(path, "/")

	query := ""
	if parsed.RawQuery != "" {
		values, err := url.ParseQuery(parsed.RawQuery)
		if err != nil {
			return "", fmt.Errorf("invalid URL query %q: %w", raw, err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			if isSessionParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		for _, k := range keys {
			vals := values[k]
			sort.Strings(vals)
			for _, v := range vals {
				if sb.Len() > 0 {
					sb.WriteByte('&')
				}
				sb.WriteString(k)
				sb.WriteByte('=')
				sb.WriteString(v)
			}
		}
		query = sb.String()
	}

	normalized := scheme + "://" + host + path
	if query != "" {
		normalized += "?" + query
	}
	return normalized, nil
}

func isSessionParam(name string) bool {
	lower := strings.ToLower(name)
	if sessionParams[lower] {
		return true
	}
	for _, prefix := range sessionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// DocID returns the document ID for a URL: SHA-256 of its normalized form.
func DocID(rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// ChunkID returns the chunk ID for a document and byte offset:
// doc_id ":" zero-padded decimal offset. Chunk IDs sort in document order.
func ChunkID(docID string, startOffset int) string {
	return fmt.Sprintf("%s:%010d", docID, startOffset)
}

// MentionID returns the mention ID for a chunk-local typed span.
func MentionID(chunkID, normalizedSurface string, startInChunk int) string {
	h := sha256.New()
	h.Write([]byte(chunkID))
	h.Write([]byte{0})
	h.Write([]byte(normalizedSurface))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", startInChunk)
	return hex.EncodeToString(h.Sum(nil))
}

// RelationID returns the relation ID for a typed edge and the chunk that
// evidences it. The same claim extracted from a second chunk produces a
// distinct relation, so corroborating evidence accumulates as parallel edges.
func RelationID(subjectEntityID string, predicate kb.Predicate, objectEntityID, evidenceChunkID string) string {
	h := sha256.New()
	h.Write([]byte(subjectEntityID))
	h.Write([]byte{0})
	h.Write([]byte(predicate))
	h.Write([]byte{0})
	h.Write([]byte(objectEntityID))
	h.Write([]byte{0})
	h.Write([]byte(evidenceChunkID))
	return hex.EncodeToString(h.Sum(nil))
}

// EntityID returns the canonical entity ID for a surface form and type.
func EntityID(surface string, entityType kb.EntityType) string {
	h := sha256.New()
	h.Write([]byte(NormalizeSurface(surface)))
	h.Write([]byte{0})
	h.Write([]byte(entityType))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeSurface lowercases a surface form and collapses internal
// whitespace runs to single spaces. Shared by the ID service and the linker
// so both sides of a lookup agree on the key.
func NormalizeSurface(surface string) string {
	return strings.ToLower(strings.Join(strings.Fields(surface), " "))
}
