package kv

// MultiObserver fans a single OnApply call out to every observer in
// order, letting the state machine be configured with exactly one
// IndexObserver (per Store.SetObserver) while still feeding the
// field/full-text/semantic secondary indexes from the same apply stream.
type MultiObserver []IndexObserver

// OnApply implements IndexObserver.
func (m MultiObserver) OnApply(key string, value *Value, tombstone bool, index uint64) {
	for _, o := range m {
		o.OnApply(key, value, tombstone, index)
	}
}
