package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGetDelete(t *testing.T) {
	s := New()

	result := s.Apply(Command{Type: CommandSet, Key: "foo", Value: String("bar")}, 1)
	require.NoError(t, result.Err)

	v, ok := s.Get("foo")
	require.True(t, ok)
	assert.True(t, v.Equal(String("bar")))

	result = s.Apply(Command{Type: CommandDelete, Key: "foo"}, 2)
	require.NoError(t, result.Err)

	_, ok = s.Get("foo")
	assert.False(t, ok)
}

func TestStoreIncrTypeMismatch(t *testing.T) {
	s := New()

	s.Apply(Command{Type: CommandSet, Key: "k", Value: String("hello")}, 1)
	result := s.Apply(Command{Type: CommandIncr, Key: "k", Amount: 1}, 2)
	require.ErrorIs(t, result.Err, ErrTypeMismatch)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.True(t, v.Equal(String("hello")), "failed INCR must not mutate the key")
}

func TestStoreIncrOnAbsentKeyStartsAtAmount(t *testing.T) {
	s := New()

	result := s.Apply(Command{Type: CommandIncr, Key: "counter", Amount: 5}, 1)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(5), result.Response)

	result = s.Apply(Command{Type: CommandIncr, Key: "counter", Amount: 3}, 2)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(8), result.Response)
}

func TestStoreBulkSetIsAllOrNothing(t *testing.T) {
	s := New()

	items := []BulkItem{
		{Key: "a", Value: Integer(1)},
		{Key: "b", Value: Integer(2)},
		{Key: "c", Value: Integer(3)},
	}
	result := s.Apply(Command{Type: CommandBulkSet, Items: items}, 1)
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Response)

	for _, it := range items {
		v, ok := s.Get(it.Key)
		require.True(t, ok)
		assert.True(t, v.Equal(it.Value))
	}
}

func TestStoreDeduplicatesByClientAndSeq(t *testing.T) {
	s := New()

	cmd := Command{Type: CommandIncr, Key: "counter", Amount: 1, ClientID: "c1", Seq: 1}
	first := s.Apply(cmd, 1)
	second := s.Apply(cmd, 2) // retry with the same (ClientID, Seq)

	assert.Equal(t, first, second, "a retried command must return the cached result, not re-execute")

	v, _ := s.Get("counter")
	assert.True(t, v.Equal(Integer(1)), "a retried INCR must not apply twice")
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) OnApply(key string, value *Value, tombstone bool, index uint64) {
	r.calls = append(r.calls, key)
}

func TestStoreNotifiesObserverOnEveryMutation(t *testing.T) {
	s := New()
	obs := &recordingObserver{}
	s.SetObserver(obs)

	s.Apply(Command{Type: CommandSet, Key: "x", Value: Integer(1)}, 1)
	s.Apply(Command{Type: CommandDelete, Key: "x"}, 2)
	s.Apply(Command{Type: CommandCreateIndex, Field: "status"}, 3)

	require.Len(t, obs.calls, 3)
	assert.Equal(t, "x", obs.calls[0])
	assert.Equal(t, "x", obs.calls[1])
	assert.Equal(t, CreateIndexControlPrefix+"status", obs.calls[2])
}

func TestStoreDeleteOfAbsentKeyDoesNotNotify(t *testing.T) {
	s := New()
	obs := &recordingObserver{}
	s.SetObserver(obs)

	s.Apply(Command{Type: CommandDelete, Key: "never-set"}, 1)
	assert.Empty(t, obs.calls)
}
