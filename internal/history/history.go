// Package history assigns stable identifiers to feed entries and filters out
// the ones a feed has already delivered.
package history

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"

	"github.com/samber/lo"

	"sociallists/riverd/internal/parse"
)

// Set is the collection of entry ids already seen for a feed.
type Set map[string]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s Set) Sorted() []string {
	ids := lo.Keys(s)
	sort.Strings(ids)
	return ids
}

// EntryID is the entry's native id when it has one, otherwise the SHA-1 hex
// of its published string, link and title concatenated.
func EntryID(e parse.Entry) string {
	if e.ID != "" {
		return e.ID
	}
	sum := sha1.Sum([]byte(e.Published + e.Link + e.Title))
	return hex.EncodeToString(sum[:])
}

// Diff returns the entries whose ids are not in seen, in document order, and
// the ids of every entry in the document.
func Diff(entries []parse.Entry, seen Set) (newEntries []parse.Entry, allIDs []string) {
	allIDs = make([]string, 0, len(entries))
	for _, e := range entries {
		id := EntryID(e)
		allIDs = append(allIDs, id)
		if !seen.Has(id) {
			newEntries = append(newEntries, e)
		}
	}
	return newEntries, allIDs
}

// Added returns the ids not yet in seen, without duplicates, in order.
func Added(seen Set, ids []string) []string {
	return lo.Uniq(lo.Reject(ids, func(id string, _ int) bool {
		return seen.Has(id)
	}))
}

// Merge returns seen ∪ ids as a new set.
func Merge(seen Set, ids []string) Set {
	out := make(Set, len(seen)+len(ids))
	for id := range seen {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
