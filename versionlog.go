package parloop

import (
	"sort"
	"sync"
	"unsafe"
)

// Address identifies a memory location tracked by a VersionLog. Generated
// instrumentation passes the address being loaded or stored; this package
// never dereferences it.
type Address unsafe.Pointer

// addrHistory is the read/write history recorded for one Address. Entries
// are kept in strictly descending Timestamp order (original_source's
// std::set<Timestamp*, std::greater<...>>, reimplemented as a slice with
// binary-search insertion since neither the standard library nor the
// retrieval pack offers an ordered-set container).
type addrHistory struct {
	reads  []Timestamp
	writes []Timestamp
}

// insertDescending inserts t into a strictly-descending-ordered slice,
// preserving order. Duplicate Timestamps are not expected (spec.md §3's
// invariant) but are tolerated, inserted adjacent to their equal peers.
func insertDescending(list []Timestamp, t Timestamp) []Timestamp {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Compare(t) <= 0
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = t
	return list
}

// anyGreaterThan reports whether list (descending order) contains an entry
// strictly greater than t. Because list is sorted descending, the answer is
// just whether the first element beats t.
func anyGreaterThan(list []Timestamp, t Timestamp) bool {
	return len(list) > 0 && list[0].Compare(t) > 0
}

// VersionLog records, per Address, which Tasks have read or written it, so
// JobState can answer conflict queries against a probe Timestamp.
type VersionLog struct {
	mu      sync.Mutex
	history map[Address]*addrHistory
}

// newVersionLog returns an empty VersionLog.
func newVersionLog() *VersionLog {
	return &VersionLog{history: make(map[Address]*addrHistory)}
}

func (v *VersionLog) entry(addr Address) *addrHistory {
	h, ok := v.history[addr]
	if !ok {
		h = &addrHistory{}
		v.history[addr] = h
	}
	return h
}

// recordRead inserts t into addr's read history.
func (v *VersionLog) recordRead(addr Address, t Timestamp) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.entry(addr)
	h.reads = insertDescending(h.reads, t)
}

// hasWriteAfter reports whether addr has a recorded write strictly greater
// than t.
func (v *VersionLog) hasWriteAfter(addr Address, t Timestamp) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.history[addr]
	if !ok {
		return false
	}
	return anyGreaterThan(h.writes, t)
}

// hasReadOrWriteAfter reports whether addr has a recorded read or write
// strictly greater than t.
func (v *VersionLog) hasReadOrWriteAfter(addr Address, t Timestamp) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.history[addr]
	if !ok {
		return false
	}
	return anyGreaterThan(h.reads, t) || anyGreaterThan(h.writes, t)
}

// recordWrite inserts t into addr's write history and reports whether this
// was the first write recorded against addr.
func (v *VersionLog) recordWrite(addr Address, t Timestamp) (firstWrite bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.entry(addr)
	firstWrite = len(h.writes) == 0
	h.writes = insertDescending(h.writes, t)
	return firstWrite
}
