package bridge

import (
	"fmt"
	"sync"
)

// ListCapacity is the maximum number of identifiers held by one IDList.
const ListCapacity = 20

// ListKind selects one of the four identifier lists.
type ListKind uint8

const (
	ListWhitelist ListKind = iota
	ListBlacklist
	ListException
	ListOneWayRestricted
	numLists
)

func (k ListKind) String() string {
	switch k {
	case ListWhitelist:
		return "whitelist"
	case ListBlacklist:
		return "blacklist"
	case ListException:
		return "exception"
	case ListOneWayRestricted:
		return "one_way_restricted"
	default:
		return fmt.Sprintf("list(%d)", uint8(k))
	}
}

// IDList is a bounded, insertion-ordered set of CAN identifiers.
// It is safe for concurrent use.
type IDList struct {
	mu  sync.RWMutex
	ids [ListCapacity]uint32
	n   int
}

func (l *IDList) findLocked(id uint32) int {
	for i := 0; i < l.n; i++ {
		if l.ids[i] == id {
			return i
		}
	}
	return -1
}

// Find returns the position of id, if present.
func (l *IDList) Find(id uint32) (int, bool) {
	l.mu.RLock()
	i := l.findLocked(id)
	l.mu.RUnlock()
	return i, i >= 0
}

// Contains reports whether id is in the list.
func (l *IDList) Contains(id uint32) bool {
	_, ok := l.Find(id)
	return ok
}

// Add appends id. It returns false without mutating the list when the list is
// full or id is already present.
func (l *IDList) Add(id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n >= ListCapacity || l.findLocked(id) >= 0 {
		return false
	}
	l.ids[l.n] = id
	l.n++
	return true
}

// Remove deletes id, shifting later entries down to keep the list dense.
// It returns false when id is absent.
func (l *IDList) Remove(id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.findLocked(id)
	if i < 0 {
		return false
	}
	copy(l.ids[i:l.n-1], l.ids[i+1:l.n])
	l.n--
	l.ids[l.n] = 0
	return true
}

// Clear empties the list.
func (l *IDList) Clear() {
	l.mu.Lock()
	l.ids = [ListCapacity]uint32{}
	l.n = 0
	l.mu.Unlock()
}

// Len returns the number of stored identifiers.
func (l *IDList) Len() int { l.mu.RLock(); n := l.n; l.mu.RUnlock(); return n }

// IDs returns a copy of the list contents in insertion order.
func (l *IDList) IDs() []uint32 {
	l.mu.RLock()
	out := make([]uint32, l.n)
	copy(out, l.ids[:l.n])
	l.mu.RUnlock()
	return out
}

// Lists holds the four identifier lists consulted by the filter.
type Lists struct {
	lists [numLists]IDList
}

// Get returns the list for kind, or nil for an unknown kind.
func (s *Lists) Get(kind ListKind) *IDList {
	if kind >= numLists {
		return nil
	}
	return &s.lists[kind]
}

// Contains reports whether id is in the list selected by kind.
// Unknown kinds contain nothing.
func (s *Lists) Contains(kind ListKind, id uint32) bool {
	l := s.Get(kind)
	return l != nil && l.Contains(id)
}
