package relate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/provgraph/llm"
	"github.com/c360studio/provgraph/model"
)

const verifierSystemPrompt = `You are a fact verifier. For each numbered claim, decide whether the quoted evidence sentence supports it.
Return ONLY a JSON array where each element is:
{"index": <claim number>, "supported": <true|false>, "confidence": <0.0-1.0>}
Judge strictly from the evidence text. Do not use outside knowledge.`

// LLMVerifier checks proposals against their evidence sentences with a
// budget-tier generative model. One request covers the whole batch.
type LLMVerifier struct {
	client *llm.Client
	tier   model.GenerativeTier
}

// NewLLMVerifier creates a verifier on the given tier. The nano tier is the
// intended default.
func NewLLMVerifier(client *llm.Client, tier model.GenerativeTier) *LLMVerifier {
	return &LLMVerifier{client: client, tier: tier}
}

type verdict struct {
	Index      int     `json:"index"`
	Supported  bool    `json:"supported"`
	Confidence float64 `json:"confidence"`
}

// Verify returns one score per proposal: the model's confidence when
// supported, its complement's half when not, and -1 for proposals the model
// skipped.
func (v *LLMVerifier) Verify(ctx context.Context, proposals []Proposal) ([]float64, error) {
	var sb strings.Builder
	for i, p := range proposals {
		fmt.Fprintf(&sb, "%d. Claim: %q %s %q\n   Evidence: %q\n",
			i, p.SubjectName, p.Relation.Predicate, p.ObjectName, p.Sentence)
	}

	resp, err := v.client.Complete(ctx, llm.Request{
		Tier: v.tier,
		Messages: []llm.Message{
			{Role: "system", Content: verifierSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.ExtractJSONArray(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("verifier returned no JSON array")
	}
	var verdicts []verdict
	if err := json.Unmarshal([]byte(raw), &verdicts); err != nil {
		return nil, fmt.Errorf("parsing verifier response: %w", err)
	}

	scores := make([]float64, len(proposals))
	for i := range scores {
		scores[i] = -1
	}
	for _, vd := range verdicts {
		if vd.Index < 0 || vd.Index >= len(scores) {
			continue
		}
		score := vd.Confidence
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		if !vd.Supported {
			score = (1 - score) / 2
		}
		scores[vd.Index] = score
	}
	return scores, nil
}
