package gallery

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUnitLength(t *testing.T) {
	v := Normalize([]float64{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-9)
	assert.InDelta(t, 0.8, v[1], 1e-9)

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := Normalize([]float64{0, 0, 0})
	for _, x := range v {
		assert.False(t, math.IsNaN(x))
		assert.Equal(t, 0.0, x)
	}
}

func testIdentities() map[string]*Identity {
	return map[string]*Identity{
		"alice": {
			TargetID:   "alice",
			Name:       "Alice",
			Embeddings: [][]float64{{1, 0, 0}, {0.9, 0.1, 0}},
		},
		"bob": {
			TargetID:   "bob",
			Name:       "Bob",
			Embeddings: [][]float64{{0, 1, 0}},
		},
	}
}

func TestIndexMatch(t *testing.T) {
	idx := NewIndex(testIdentities(), []string{"alice", "bob"}, 0.5)
	require.Equal(t, 3, idx.Size())
	require.Equal(t, 3, idx.Dim())

	m := idx.Match([]float64{10, 0, 0})
	assert.True(t, m.Matched)
	assert.Equal(t, "alice", m.TargetID)
	assert.Equal(t, "Alice", m.DisplayName)
	assert.InDelta(t, 1.0, m.Similarity, 1e-6)

	m = idx.Match([]float64{0, 5, 0})
	assert.True(t, m.Matched)
	assert.Equal(t, "bob", m.TargetID)
}

func TestIndexMatchBelowThreshold(t *testing.T) {
	idx := NewIndex(testIdentities(), []string{"alice", "bob"}, 0.9)

	// Orthogonal to alice, 45 degrees from bob: similarity ~0.707.
	m := idx.Match([]float64{0, 1, 1})
	assert.False(t, m.Matched)
	assert.Empty(t, m.TargetID)
	assert.InDelta(t, math.Sqrt2/2, m.Similarity, 1e-6)
}

func TestIndexMatchSimilarityMonotone(t *testing.T) {
	idx := NewIndex(testIdentities(), []string{"alice", "bob"}, 0.0)

	// Rotating the query away from alice must lower the similarity.
	prev := 2.0
	for _, angle := range []float64{0, 0.2, 0.4, 0.8, 1.2} {
		m := idx.Match([]float64{math.Cos(angle), 0, math.Sin(angle)})
		assert.Less(t, m.Similarity, prev)
		prev = m.Similarity
	}
}

func TestIndexTieLowestRow(t *testing.T) {
	ids := map[string]*Identity{
		"a": {TargetID: "a", Embeddings: [][]float64{{1, 0}}},
		"b": {TargetID: "b", Embeddings: [][]float64{{1, 0}}},
	}
	idx := NewIndex(ids, []string{"a", "b"}, 0.5)

	m := idx.Match([]float64{1, 0})
	assert.Equal(t, "a", m.TargetID)
}

func TestIndexEmptyAndBadQuery(t *testing.T) {
	empty := NewIndex(map[string]*Identity{}, nil, 0.5)
	assert.Equal(t, 0, empty.Size())
	assert.False(t, empty.Match([]float64{1, 0, 0}).Matched)

	idx := NewIndex(testIdentities(), []string{"alice", "bob"}, 0.5)
	assert.False(t, idx.Match(nil).Matched)
	assert.False(t, idx.Match([]float64{1, 0}).Matched) // wrong dimension
}

func TestIndexSkipsDimMismatchedSamples(t *testing.T) {
	ids := map[string]*Identity{
		"a": {TargetID: "a", Embeddings: [][]float64{{1, 0, 0}, {1, 0}}},
	}
	idx := NewIndex(ids, []string{"a"}, 0.5)
	assert.Equal(t, 1, idx.Size())
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	id := &Identity{
		TargetID:   "carol",
		Name:       "Carol",
		Embeddings: [][]float64{{0.5, 0.5}},
		Meta:       IdentityMeta{NumSamples: 1},
	}
	_, err = store.Save(id)
	require.NoError(t, err)

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Contains(t, loaded, "carol")
	assert.Equal(t, "Carol", loaded["carol"].Name)
	assert.Len(t, loaded["carol"].Embeddings, 1)
}

func TestStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Save(&Identity{TargetID: "good", Embeddings: [][]float64{{1}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "bad.json"), []byte("{not json"), 0o644))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Contains(t, loaded, "good")
}
