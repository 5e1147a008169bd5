package history

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sociallists/riverd/internal/parse"
)

func TestEntryIDNative(t *testing.T) {
	e := parse.Entry{ID: "urn:native:1", Title: "t", Link: "http://x"}
	assert.Equal(t, "urn:native:1", EntryID(e))
}

func TestEntryIDDerived(t *testing.T) {
	e := parse.Entry{Published: "Mon, 02 Jan 2006 15:04:05 GMT", Link: "http://x/1", Title: "Hello"}

	id := EntryID(e)
	assert.Len(t, id, 40)
	assert.Equal(t, id, EntryID(e), "deterministic")

	// sha1("abc") is a well known vector
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", EntryID(parse.Entry{Published: "a", Link: "b", Title: "c"}))

	changed := []parse.Entry{
		{Published: "other", Link: e.Link, Title: e.Title},
		{Published: e.Published, Link: "http://x/2", Title: e.Title},
		{Published: e.Published, Link: e.Link, Title: "Bye"},
	}
	for _, c := range changed {
		assert.NotEqual(t, id, EntryID(c))
	}
}

func TestDiff(t *testing.T) {
	entries := []parse.Entry{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}

	newEntries, all := Diff(entries, NewSet("b", "d", "z"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, all)
	require.Len(t, newEntries, 2)
	assert.Equal(t, "a", newEntries[0].ID)
	assert.Equal(t, "c", newEntries[1].ID)
}

func TestDiffEmpty(t *testing.T) {
	newEntries, all := Diff(nil, NewSet("a"))
	assert.Empty(t, newEntries)
	assert.Empty(t, all)
}

func TestDiffProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var entries []parse.Entry
		for i := 0; i < rng.Intn(20); i++ {
			entries = append(entries, parse.Entry{ID: fmt.Sprintf("id-%d", rng.Intn(30))})
		}
		seen := NewSet()
		for i := 0; i < rng.Intn(20); i++ {
			seen[fmt.Sprintf("id-%d", rng.Intn(30))] = struct{}{}
		}

		newEntries, all := Diff(entries, seen)
		require.Len(t, all, len(entries))

		// new entries are a subsequence of entries and never in seen
		j := 0
		for _, e := range entries {
			if j < len(newEntries) && newEntries[j].ID == e.ID {
				j++
			}
		}
		assert.Equal(t, len(newEntries), j)
		for _, e := range newEntries {
			assert.False(t, seen.Has(EntryID(e)))
		}

		merged := Merge(seen, all)
		for _, id := range all {
			assert.True(t, merged.Has(id))
		}
		for id := range seen {
			assert.True(t, merged.Has(id))
		}
		for _, id := range Added(seen, all) {
			assert.False(t, seen.Has(id))
		}
	}
}

func TestAddedDeduplicates(t *testing.T) {
	assert.Equal(t, []string{"b", "c"}, Added(NewSet("a"), []string{"a", "b", "b", "c", "a"}))
}

func TestSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, NewSet("c", "a", "b").Sorted())
}
