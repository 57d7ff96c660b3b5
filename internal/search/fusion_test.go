package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseEmpty(t *testing.T) {
	assert.Empty(t, fuse(nil, 60))
	assert.Empty(t, fuse([]rankedList{{Weight: 1.0}}, 60))
}

func TestFuseScoresNonIncreasing(t *testing.T) {
	fused := fuse([]rankedList{
		{Weight: 1.0, IDs: []string{"a", "b", "c", "d"}},
	}, 60)
	require.Len(t, fused, 4)

	for i := 1; i < len(fused); i++ {
		assert.GreaterOrEqual(t, fused[i-1].Score, fused[i].Score,
			"fused score must be non-increasing in rank position")
	}
	// Single list: fusion preserves the list order.
	assert.Equal(t, "a", fused[0].ChunkHash)
	assert.Equal(t, "d", fused[3].ChunkHash)
	// Top candidate is normalized to 1.
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
}

func TestFuseConsensusWins(t *testing.T) {
	// "b" is second in both lists; "a" and "c" each lead one list.
	// 2/(60+2) > 1/(60+1), so consensus beats a single first place.
	fused := fuse([]rankedList{
		{Weight: 1.0, IDs: []string{"a", "b"}},
		{Weight: 1.0, IDs: []string{"c", "b"}},
	}, 60)
	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0].ChunkHash)
	assert.Equal(t, 2, fused[0].Lists)
}

func TestFuseWeightedList(t *testing.T) {
	// The boosted list's leader outranks the plain list's leader.
	fused := fuse([]rankedList{
		{Weight: 2.0, IDs: []string{"orig"}},
		{Weight: 1.0, IDs: []string{"variant"}},
	}, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "orig", fused[0].ChunkHash)
	assert.Greater(t, fused[0].Score, fused[1].Score)
}

func TestFuseDeterministicTieBreak(t *testing.T) {
	// Identical contributions tie on score, lists, and rank; the hash
	// decides.
	a := fuse([]rankedList{{Weight: 1.0, IDs: []string{"zz"}}, {Weight: 1.0, IDs: []string{"aa"}}}, 60)
	b := fuse([]rankedList{{Weight: 1.0, IDs: []string{"aa"}}, {Weight: 1.0, IDs: []string{"zz"}}}, 60)
	require.Len(t, a, 2)
	assert.Equal(t, "aa", a[0].ChunkHash)
	assert.Equal(t, a[0].ChunkHash, b[0].ChunkHash)
}

func TestFuseCarriesMatchedTerms(t *testing.T) {
	fused := fuse([]rankedList{
		{
			Weight: 1.0,
			IDs:    []string{"a"},
			Terms:  map[string][]string{"a": {"backup", "schedule"}},
		},
		{Weight: 1.0, IDs: []string{"a"}},
	}, 60)
	require.Len(t, fused, 1)
	assert.Equal(t, []string{"backup", "schedule"}, fused[0].MatchedTerms)
}

func TestNormalizeMinMax(t *testing.T) {
	assert.Nil(t, normalizeMinMax(nil))

	got := normalizeMinMax([]float64{2, 4, 6})
	assert.InDelta(t, 0.0, got[0], 1e-9)
	assert.InDelta(t, 0.5, got[1], 1e-9)
	assert.InDelta(t, 1.0, got[2], 1e-9)

	// Constant input maps to all ones rather than all zeros.
	got = normalizeMinMax([]float64{3, 3, 3})
	for _, v := range got {
		assert.InDelta(t, 1.0, v, 1e-9)
	}
}
