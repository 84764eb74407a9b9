package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzdtic/raftkv/pkg/kv"
)

func set(idx *TFIDFIndex, key, text string, at uint64) {
	v := kv.String(text)
	idx.OnApply(key, &v, false, at)
}

func TestTFIDFRanksCloserMeaningHigher(t *testing.T) {
	idx := New()
	set(idx, "doc1", "cats are independent pets that sleep a lot", 1)
	set(idx, "doc2", "dogs are loyal companions that love walks", 2)
	set(idx, "doc3", "independent cats sleep most of the day", 3)

	hits := idx.Search("independent cats sleep", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "doc3", hits[0].Key)
}

func TestTFIDFEmptyCorpusReturnsNoHits(t *testing.T) {
	idx := New()
	assert.Empty(t, idx.Search("anything", 10))
}

func TestTFIDFDeleteRemovesDocument(t *testing.T) {
	idx := New()
	set(idx, "doc1", "unique searchable phrase", 1)
	idx.OnApply("doc1", nil, true, 2)

	assert.Empty(t, idx.Search("unique phrase", 10))
}

func TestTFIDFUnrelatedQueryScoresZero(t *testing.T) {
	idx := New()
	set(idx, "doc1", "mountains and rivers and forests", 1)

	hits := idx.Search("stock market derivatives", 10)
	assert.Empty(t, hits)
}
