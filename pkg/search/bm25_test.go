package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzdtic/raftkv/pkg/kv"
)

func set(idx *BM25Index, key, text string, at uint64) {
	v := kv.String(text)
	idx.OnApply(key, &v, false, at)
}

func TestBM25RanksExactMatchAboveUnrelated(t *testing.T) {
	idx := New()
	set(idx, "doc1", "the quick brown fox jumps over the lazy dog", 1)
	set(idx, "doc2", "a totally unrelated document about cooking pasta", 2)
	set(idx, "doc3", "another fox story, a quick one about a fox", 3)

	hits := idx.Search("quick fox", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "doc3", hits[0].Key)
}

func TestBM25EmptyIndexReturnsNoHits(t *testing.T) {
	idx := New()
	assert.Empty(t, idx.Search("anything", 10))
}

func TestBM25TopKLimitsResults(t *testing.T) {
	idx := New()
	set(idx, "doc1", "alpha beta gamma", 1)
	set(idx, "doc2", "alpha beta delta", 2)
	set(idx, "doc3", "alpha epsilon zeta", 3)

	hits := idx.Search("alpha", 2)
	assert.Len(t, hits, 2)
}

func TestBM25DeleteRemovesDocumentFromResults(t *testing.T) {
	idx := New()
	set(idx, "doc1", "searchable content here", 1)
	idx.OnApply("doc1", nil, true, 2)

	assert.Empty(t, idx.Search("searchable", 10))
}

func TestBM25IndexesMapFieldsDeterministically(t *testing.T) {
	idx := New()
	v := kv.Map(map[string]kv.Value{
		"title": kv.String("graph algorithms"),
		"body":  kv.String("shortest path search"),
	})
	idx.OnApply("doc1", &v, false, 1)

	hits := idx.Search("shortest path", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc1", hits[0].Key)
}
