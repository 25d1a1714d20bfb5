// Package model provides tier-based provider selection for embedding and
// generation. Instead of hardcoding vendor or model names, components specify
// a tier ("local-small", "pro") and the registry resolves it to available
// endpoints with fallback chains.
package model

// EmbeddingTier selects an embedding provider quality bucket.
type EmbeddingTier string

const (
	// EmbedLocalSmall is the default: a deterministic local model, no network.
	EmbedLocalSmall EmbeddingTier = "local-small"

	// EmbedHostedStandard is a hosted general-purpose embedding model.
	EmbedHostedStandard EmbeddingTier = "hosted-standard"

	// EmbedHostedLarge is a hosted high-dimensional embedding model.
	EmbedHostedLarge EmbeddingTier = "hosted-large"
)

// IsValid checks if the tier is known.
func (t EmbeddingTier) IsValid() bool {
	switch t {
	case EmbedLocalSmall, EmbedHostedStandard, EmbedHostedLarge:
		return true
	}
	return false
}

// ParseEmbeddingTier converts a string to a tier, defaulting to local-small
// for unknown values.
func ParseEmbeddingTier(s string) EmbeddingTier {
	t := EmbeddingTier(s)
	if t.IsValid() {
		return t
	}
	return EmbedLocalSmall
}

// GenerativeTier selects a generative model quality bucket.
type GenerativeTier string

const (
	// GenNano is for budget verification tasks (yes/no judgments).
	GenNano GenerativeTier = "nano"

	// GenMini is for short structured extraction.
	GenMini GenerativeTier = "mini"

	// GenStandard is the default for answer generation.
	GenStandard GenerativeTier = "standard"

	// GenPro is for long-form or high-stakes generation.
	GenPro GenerativeTier = "pro"
)

// IsValid checks if the tier is known.
func (t GenerativeTier) IsValid() bool {
	switch t {
	case GenNano, GenMini, GenStandard, GenPro:
		return true
	}
	return false
}

// ParseGenerativeTier converts a string to a tier, defaulting to standard
// for unknown values.
func ParseGenerativeTier(s string) GenerativeTier {
	t := GenerativeTier(s)
	if t.IsValid() {
		return t
	}
	return GenStandard
}
