package kb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestLocationMapResolve(t *testing.T) {
	m := NewLocationMap(Anchor{HeadingPath: "Intro"})
	require.NoError(t, m.Add(100, Anchor{HeadingPath: "Intro > Background", PageNumber: intp(1)}))
	require.NoError(t, m.Add(250, Anchor{HeadingPath: "Methods", PageNumber: intp(2)}))

	tests := []struct {
		offset  int
		heading string
	}{
		{0, "Intro"},
		{99, "Intro"},
		{100, "Intro > Background"},
		{249, "Intro > Background"},
		{250, "Methods"},
		{10000, "Methods"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.heading, m.Resolve(tt.offset).HeadingPath, "offset %d", tt.offset)
	}
}

func TestLocationMapAddOrdering(t *testing.T) {
	m := NewLocationMap(Anchor{})
	require.NoError(t, m.Add(50, Anchor{HeadingPath: "A"}))

	// Earlier offsets are rejected.
	assert.Error(t, m.Add(10, Anchor{HeadingPath: "B"}))
	assert.Error(t, m.Add(-1, Anchor{}))

	// Re-adding at the same offset refines the anchor in place.
	require.NoError(t, m.Add(50, Anchor{PageNumber: intp(3)}))
	got := m.Resolve(60)
	assert.Equal(t, "A", got.HeadingPath)
	require.NotNil(t, got.PageNumber)
	assert.Equal(t, 3, *got.PageNumber)
	assert.Equal(t, 2, m.Len())
}

func TestLocationMapRoundtrip(t *testing.T) {
	m := NewLocationMap(Anchor{HeadingPath: "Top"})
	require.NoError(t, m.Add(120, Anchor{TimestampMS: func() *int64 { v := int64(15000); return &v }()}))

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var restored LocationMap
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, "Top", restored.Resolve(0).HeadingPath)
	require.NotNil(t, restored.Resolve(200).TimestampMS)
	assert.Equal(t, int64(15000), *restored.Resolve(200).TimestampMS)
}
