package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation(base), KindValidation},
		{"transient", Transient(base), KindTransient},
		{"data integrity", DataIntegrity(base), KindDataIntegrity},
		{"cancelled", Cancelled(base), KindCancelled},
		{"wrapped keeps kind", fmt.Errorf("stage failed: %w", Validation(base)), KindValidation},
		{"context cancel", context.Canceled, KindCancelled},
		{"deadline is transient", context.DeadlineExceeded, KindTransient},
		{"untagged defaults transient", base, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	err := Validation(errors.New("bad url"))
	assert.True(t, IsValidation(err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsValidation(nil))

	// The wrapped error stays reachable for errors.Is checks.
	inner := errors.New("inner")
	assert.True(t, errors.Is(Transient(fmt.Errorf("outer: %w", inner)), inner))
}

func TestBlobKey(t *testing.T) {
	assert.Equal(t, "tier-A/abc123/raw", BlobKey("A", "abc123", "raw"))
}
