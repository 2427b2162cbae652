package core

// keydirEntry addresses the most recent live record for a key. It is
// comparable (==) so merge can test "has this key moved since I captured
// it" by plain struct equality, matching spec.md's "byte-equal to the
// snapshot entry" language.
type keydirEntry struct {
	fileID      uint32
	valueSize   uint32
	valueOffset int64
	txID        uint64
}

// keydir is the in-memory index from key to on-disk location. It does no
// locking of its own: the engine reads it under a shared lock and mutates
// it under an exclusive lock (spec.md §4.3/§5).
type keydir struct {
	entries map[string]keydirEntry
}

func newKeydir() *keydir {
	return &keydir{entries: make(map[string]keydirEntry)}
}

func (k *keydir) get(key string) (keydirEntry, bool) {
	e, ok := k.entries[key]
	return e, ok
}

// put installs entry for key and returns whatever entry it displaced, if any.
func (k *keydir) put(key string, entry keydirEntry) (keydirEntry, bool) {
	old, had := k.entries[key]
	k.entries[key] = entry
	return old, had
}

// remove deletes key's entry and returns it, if it existed.
func (k *keydir) remove(key string) (keydirEntry, bool) {
	old, had := k.entries[key]
	if had {
		delete(k.entries, key)
	}
	return old, had
}

func (k *keydir) contains(key string) bool {
	_, ok := k.entries[key]
	return ok
}

// keys returns a snapshot of the live key set; order is not meaningful.
func (k *keydir) keys() []string {
	out := make([]string, 0, len(k.entries))
	for key := range k.entries {
		out = append(out, key)
	}
	return out
}

func (k *keydir) len() int {
	return len(k.entries)
}
