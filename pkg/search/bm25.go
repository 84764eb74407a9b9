// Package search implements BM25Index, the full-text secondary index
// that answers SEARCH{query,top_k}.
package search

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/vzdtic/raftkv/pkg/kv"
)

const (
	defaultK1 = 1.2
	defaultB  = 0.75
)

// Hit is one scored result from Search.
type Hit struct {
	Key   string
	Score float64
}

// BM25Index is a kv.IndexObserver tokenizing every String value (and every
// String field of a Map value) into an inverted index, scored with Okapi
// BM25 at query time. Unlike FieldIndex it needs no CREATE_INDEX: it
// watches every key unconditionally, since full-text search has no
// per-field activation in the protocol.
type BM25Index struct {
	mu       sync.RWMutex
	k1, b    float64
	docs     map[string][]string // key -> tokens, current value only
	df       map[string]int      // term -> number of docs containing it
	totalLen int
}

// New creates an empty BM25Index with the standard k1=1.2, b=0.75 tuning.
func New() *BM25Index {
	return &BM25Index{
		k1:   defaultK1,
		b:    defaultB,
		docs: make(map[string][]string),
		df:   make(map[string]int),
	}
}

// OnApply implements kv.IndexObserver.
func (idx *BM25Index) OnApply(key string, value *kv.Value, tombstone bool, index uint64) {
	if strings.HasPrefix(key, kv.CreateIndexControlPrefix) {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.docs[key]; ok {
		idx.removeDocLocked(old)
		delete(idx.docs, key)
	}
	if tombstone || value == nil {
		return
	}

	text := textOf(*value)
	if text == "" {
		return
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	idx.docs[key] = tokens
	idx.addDocLocked(tokens)
}

func (idx *BM25Index) addDocLocked(tokens []string) {
	for t := range uniqueTerms(tokens) {
		idx.df[t]++
	}
	idx.totalLen += len(tokens)
}

func (idx *BM25Index) removeDocLocked(tokens []string) {
	for t := range uniqueTerms(tokens) {
		idx.df[t]--
		if idx.df[t] <= 0 {
			delete(idx.df, t)
		}
	}
	idx.totalLen -= len(tokens)
}

func uniqueTerms(tokens []string) map[string]struct{} {
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		seen[t] = struct{}{}
	}
	return seen
}

// textOf flattens a Value down to the text BM25 indexes: the string
// itself, or the concatenation of a Map's string-valued fields in a
// deterministic (sorted-by-value) order so replicas agree regardless of
// Go's randomized map iteration.
func textOf(v kv.Value) string {
	switch v.Kind {
	case kv.KindString:
		return v.Str
	case kv.KindMap:
		parts := make([]string, 0, len(v.Map))
		for _, fv := range v.Map {
			if fv.Kind == kv.KindString {
				parts = append(parts, fv.Str)
			}
		}
		sort.Strings(parts)
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// Search scores every indexed document against query using Okapi BM25 and
// returns the topK highest-scoring hits, best first. topK <= 0 returns
// every document with a positive score.
func (idx *BM25Index) Search(query string, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	avgdl := float64(idx.totalLen) / float64(n)

	hits := make([]Hit, 0, len(idx.docs))
	for key, tokens := range idx.docs {
		tf := termFreq(tokens)
		var score float64
		for _, t := range terms {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			nt := float64(idx.df[t])
			idf := math.Log((float64(n)-nt+0.5)/(nt+0.5) + 1)
			denom := f + idx.k1*(1-idx.b+idx.b*float64(len(tokens))/avgdl)
			score += idf * (f * (idx.k1 + 1)) / denom
		}
		if score > 0 {
			hits = append(hits, Hit{Key: key, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func termFreq(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}
