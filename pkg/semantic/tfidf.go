// Package semantic implements TFIDFIndex, the cosine-similarity secondary
// index that answers SEMANTIC_SEARCH{query,top_k}.
package semantic

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/vzdtic/raftkv/pkg/kv"
)

// Hit is one scored result from Search.
type Hit struct {
	Key   string
	Score float64
}

// TFIDFIndex is a kv.IndexObserver maintaining a TF-IDF vector per
// document, scored at query time by cosine similarity against the
// query's own TF-IDF vector. It is deliberately independent of
// search.BM25Index: the two packages answer different operations
// (SEARCH vs SEMANTIC_SEARCH) and the corpus stats (document frequency,
// vector weights) a ranking needs are not interchangeable between the
// two scoring models.
type TFIDFIndex struct {
	mu   sync.RWMutex
	docs map[string][]string // key -> tokens, current value only
	df   map[string]int      // term -> number of docs containing it
}

// New creates an empty TFIDFIndex.
func New() *TFIDFIndex {
	return &TFIDFIndex{
		docs: make(map[string][]string),
		df:   make(map[string]int),
	}
}

// OnApply implements kv.IndexObserver.
func (idx *TFIDFIndex) OnApply(key string, value *kv.Value, tombstone bool, index uint64) {
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

func (idx *TFIDFIndex) addDocLocked(tokens []string) {
	for t := range uniqueTerms(tokens) {
		idx.df[t]++
	}
}

func (idx *TFIDFIndex) removeDocLocked(tokens []string) {
	for t := range uniqueTerms(tokens) {
		idx.df[t]--
		if idx.df[t] <= 0 {
			delete(idx.df, t)
		}
	}
}

func uniqueTerms(tokens []string) map[string]struct{} {
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		seen[t] = struct{}{}
	}
	return seen
}

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

// vectorLocked builds the TF-IDF weight vector for a token list against
// the current corpus statistics. Smoothed idf (+1 numerator/denominator,
// +1 overall) keeps weights finite for terms absent from the corpus,
// which matters for the query vector: query terms frequently don't
// appear in idx.df at all.
func (idx *TFIDFIndex) vectorLocked(tokens []string) map[string]float64 {
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	n := float64(len(idx.docs))
	vec := make(map[string]float64, len(tf))
	for t, f := range tf {
		idf := math.Log((n+1)/(float64(idx.df[t])+1)) + 1
		vec[t] = (f / float64(len(tokens))) * idf
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for t, v := range a {
		dot += v * b[t]
		na += v * v
	}
	for _, v := range b {
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Search scores every indexed document against query by cosine similarity
// of their TF-IDF vectors and returns the topK highest-scoring hits, best
// first. topK <= 0 returns every document with a positive score.
func (idx *TFIDFIndex) Search(query string, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.docs) == 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	qVec := idx.vectorLocked(terms)

	hits := make([]Hit, 0, len(idx.docs))
	for key, tokens := range idx.docs {
		dVec := idx.vectorLocked(tokens)
		score := cosine(qVec, dVec)
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
