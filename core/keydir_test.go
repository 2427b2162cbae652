package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeydirPutGetRemove(t *testing.T) {
	kd := newKeydir()

	_, ok := kd.get("a")
	require.False(t, ok, "expected miss on empty keydir")

	want := keydirEntry{fileID: 1, valueOffset: 10, valueSize: 3, txID: 1}
	kd.put("a", want)

	entry, ok := kd.get("a")
	require.True(t, ok, "expected hit after put")
	if diff := cmp.Diff(want, entry, cmp.AllowUnexported(keydirEntry{})); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, kd.contains("a"))

	old, had := kd.remove("a")
	require.True(t, had, "expected remove to report an existing entry")
	assert.Equal(t, want, old)
	assert.False(t, kd.contains("a"))
}

func TestKeydirPutReplacesAndReportsDisplaced(t *testing.T) {
	kd := newKeydir()
	first := keydirEntry{fileID: 1, valueOffset: 0, valueSize: 1, txID: 1}
	second := keydirEntry{fileID: 2, valueOffset: 5, valueSize: 2, txID: 2}

	_, had := kd.put("k", first)
	require.False(t, had, "first put should not report a displaced entry")

	old, had := kd.put("k", second)
	require.True(t, had)
	assert.Equal(t, first, old)

	got, _ := kd.get("k")
	assert.Equal(t, second, got)
}

func TestKeydirKeysAndLen(t *testing.T) {
	kd := newKeydir()
	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		kd.put(k, keydirEntry{})
	}

	require.Equal(t, len(want), kd.len())

	got := map[string]bool{}
	for _, k := range kd.keys() {
		got[k] = true
	}
	assert.Equal(t, want, got)
}

func TestKeydirRemoveMissingIsNoop(t *testing.T) {
	kd := newKeydir()
	_, had := kd.remove("nope")
	assert.False(t, had, "remove on empty keydir reported an existing entry")
}

func TestKeydirEntryTable(t *testing.T) {
	testCases := []struct {
		name  string
		entry keydirEntry
	}{
		{name: "zero value", entry: keydirEntry{}},
		{name: "max file id", entry: keydirEntry{fileID: 1<<32 - 1, valueOffset: 1, valueSize: 1, txID: 1}},
		{name: "zero length value", entry: keydirEntry{fileID: 3, valueOffset: 100, valueSize: 0, txID: 7}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kd := newKeydir()
			kd.put("k", tc.entry)

			got, ok := kd.get("k")
			require.True(t, ok)
			if diff := cmp.Diff(tc.entry, got, cmp.AllowUnexported(keydirEntry{})); diff != "" {
				t.Errorf("entry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
