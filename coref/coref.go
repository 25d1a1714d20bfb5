// Package coref groups name variants and pronouns into advisory clusters
// before entity extraction runs. The resolver is heuristic and best-effort:
// when it finds nothing (or is disabled), downstream stages proceed with no
// cluster assignments and the pipeline still succeeds.
package coref

import (
	"context"
	"regexp"
	"strings"

	"github.com/c360studio/provgraph/ident"
	"github.com/c360studio/provgraph/kb"
)

// properNameRe matches runs of capitalized words and acronyms, the candidate
// mentions the resolver clusters.
var properNameRe = regexp.MustCompile(`\b(?:[A-Z][a-zA-Z0-9&.-]*)(?:\s+(?:[A-Z][a-zA-Z0-9&.-]*|of|the|for|and|de|la))*\b`)

var pronouns = map[string]bool{
	"he": true, "she": true, "it": true, "they": true,
	"him": true, "her": true, "them": true, "its": true,
	"his": true, "hers": true, "their": true,
}

// sentenceStarters are capitalized words that open sentences without naming
// anything. Filtering them keeps function words out of clusters.
var sentenceStarters = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"these": true, "those": true, "in": true, "on": true, "at": true,
	"for": true, "with": true, "from": true, "by": true, "as": true,
	"and": true, "but": true, "or": true, "if": true, "when": true,
	"while": true, "after": true, "before": true, "however": true,
	"therefore": true, "although": true, "because": true, "since": true,
	"we": true, "i": true, "you": true, "our": true, "my": true,
}

// Mention is a candidate span with its assigned cluster.
type Mention struct {
	ChunkID   string
	Surface   string
	Start     int
	End       int
	ClusterID string
}

// Result is the cluster assignment for one document.
type Result struct {
	Mentions []Mention
	byNorm   map[string]string
}

// ClusterFor returns the cluster ID for a surface form, or empty when the
// surface was never clustered.
func (r *Result) ClusterFor(surface string) string {
	if r == nil {
		return ""
	}
	return r.byNorm[ident.NormalizeSurface(surface)]
}

// Clusters returns the number of distinct clusters.
func (r *Result) Clusters() int {
	if r == nil {
		return 0
	}
	seen := make(map[string]bool)
	for _, id := range r.byNorm {
		seen[id] = true
	}
	return len(seen)
}

// Resolver clusters name variants across a document's chunks.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve scans chunks in order, collects proper-name candidates, and groups
// variants of the same name. Pronouns are assigned to the most recent
// cluster within their chunk. The cluster ID is derived from the cluster's
// first mention, so replays produce identical assignments.
func (r *Resolver) Resolve(ctx context.Context, chunks []kb.Chunk) (*Result, error) {
	result := &Result{byNorm: make(map[string]string)}

	type cluster struct {
		id     string
		tokens map[string]bool
	}
	var clusters []*cluster

	findCluster := func(norm string) *cluster {
		toks := tokenSet(norm)
		for _, cl := range clusters {
			if matchesCluster(cl.tokens, toks, norm) {
				return cl
			}
		}
		return nil
	}

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lastClusterID := ""
		for _, loc := range properNameRe.FindAllStringIndex(chunk.Text, -1) {
			start := loc[0]
			surface := strings.TrimRight(chunk.Text[loc[0]:loc[1]], ".-&")
			// Leading articles capitalized at sentence starts are not part
			// of the name.
			for _, art := range []string{"The ", "A ", "An "} {
				if strings.HasPrefix(surface, art) && len(surface) > len(art) {
					surface = surface[len(art):]
					start += len(art)
					break
				}
			}
			if surface == "" {
				continue
			}
			norm := ident.NormalizeSurface(surface)
			if sentenceStarters[norm] || pronouns[norm] || len(norm) < 2 {
				continue
			}

			clusterID, known := result.byNorm[norm]
			if !known {
				if cl := findCluster(norm); cl != nil {
					clusterID = cl.id
					for tok := range tokenSet(norm) {
						cl.tokens[tok] = true
					}
				} else {
					clusterID = "coref:" + ident.MentionID(chunk.ChunkID, norm, start)[:16]
					clusters = append(clusters, &cluster{id: clusterID, tokens: tokenSet(norm)})
				}
				result.byNorm[norm] = clusterID
			}

			result.Mentions = append(result.Mentions, Mention{
				ChunkID:   chunk.ChunkID,
				Surface:   surface,
				Start:     start,
				End:       start + len(surface),
				ClusterID: clusterID,
			})
			lastClusterID = clusterID
		}

		// Pronouns bind to the nearest preceding name in the same chunk.
		if lastClusterID != "" {
			assignPronouns(chunk, result)
		}
	}
	return result, nil
}

var pronounRe = regexp.MustCompile(`(?i)\b(he|she|it|they|him|her|them)\b`)

func assignPronouns(chunk kb.Chunk, result *Result) {
	// Walk names and pronouns in document order so each pronoun takes the
	// cluster of the closest name before it.
	current := ""
	nameIdx := 0
	names := make([]Mention, 0)
	for _, m := range result.Mentions {
		if m.ChunkID == chunk.ChunkID {
			names = append(names, m)
		}
	}
	for _, loc := range pronounRe.FindAllStringIndex(chunk.Text, -1) {
		for nameIdx < len(names) && names[nameIdx].Start < loc[0] {
			current = names[nameIdx].ClusterID
			nameIdx++
		}
		if current == "" {
			continue
		}
		surface := chunk.Text[loc[0]:loc[1]]
		result.Mentions = append(result.Mentions, Mention{
			ChunkID:   chunk.ChunkID,
			Surface:   surface,
			Start:     loc[0],
			End:       loc[1],
			ClusterID: current,
		})
	}
}

func tokenSet(norm string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(norm) {
		set[tok] = true
	}
	return set
}

// matchesCluster reports whether a normalized surface is a variant of an
// existing cluster: a token subset ("obama" vs "barack obama") or an
// acronym of the cluster's tokens.
func matchesCluster(clusterTokens, candidateTokens map[string]bool, norm string) bool {
	if len(candidateTokens) == 0 {
		return false
	}
	subset := true
	for tok := range candidateTokens {
		if !clusterTokens[tok] {
			subset = false
			break
		}
	}
	if subset {
		return true
	}
	// Single-token candidates may be initials of the cluster.
	if len(candidateTokens) == 1 && len(norm) >= 2 && len(norm) <= 6 && len(clusterTokens) >= 2 {
		initials := make(map[byte]bool)
		for tok := range clusterTokens {
			initials[tok[0]] = true
		}
		for i := 0; i < len(norm); i++ {
			if !initials[norm[i]] {
				return false
			}
		}
		return len(norm) == len(clusterTokens)
	}
	return false
}
