package mmu

const DefaultTLBCapacity = 256

// TLBEntry caches the combined rights of a completed walk.
type TLBEntry struct {
	Frame          uint64
	Writable       bool
	User           bool
	ExecuteDisable bool
	Dirty          bool
	Global         bool
	ProtectionKey  uint8
	PCID           uint16
}

// TLB is a bounded translation cache keyed by linear page number. When full, the entry
// inserted earliest is evicted.
type TLB struct {
	capacity int
	entries  map[uint64][]TLBEntry
	// one page number per live entry, in insertion order; the k-th occurrence of a page
	// corresponds to entries[page][k]
	order []uint64
}

func NewTLB(capacity int) *TLB {
	if capacity <= 0 {
		panic("tlb capacity must be positive")
	}
	return &TLB{
		capacity: capacity,
		entries:  make(map[uint64][]TLBEntry),
	}
}

func (t *TLB) Len() int {
	return len(t.order)
}

// Lookup finds an entry for the page of addr that belongs to pcid, or is global while
// global pages are enabled.
func (t *TLB) Lookup(addr LinearAddress, pcid uint16, globalPages bool) (TLBEntry, bool) {
	for _, e := range t.entries[addr.PageNumber()] {
		if e.PCID == pcid || (e.Global && globalPages) {
			return e, true
		}
	}
	return TLBEntry{}, false
}

// Insert replaces any entry for the same page and PCID.
func (t *TLB) Insert(addr LinearAddress, e TLBEntry) {
	page := addr.PageNumber()
	for i, old := range t.entries[page] {
		if old.PCID == e.PCID {
			t.remove(page, i)
			break
		}
	}
	if len(t.order) >= t.capacity {
		t.remove(t.order[0], 0)
	}
	t.entries[page] = append(t.entries[page], e)
	t.order = append(t.order, page)
}

func (t *TLB) remove(page uint64, idx int) {
	list := t.entries[page]
	if len(list) == 1 {
		delete(t.entries, page)
	} else {
		t.entries[page] = append(list[:idx:idx], list[idx+1:]...)
	}
	seen := 0
	for i, p := range t.order {
		if p != page {
			continue
		}
		if seen == idx {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
		seen++
	}
	panic("tlb order out of sync")
}

// Invalidate drops every entry for the page of addr, regardless of PCID.
func (t *TLB) Invalidate(addr LinearAddress) {
	page := addr.PageNumber()
	for len(t.entries[page]) > 0 {
		t.remove(page, 0)
	}
}

func (t *TLB) InvalidateAll() {
	clear(t.entries)
	t.order = t.order[:0]
}

// InvalidateNonGlobal keeps only entries of global pages.
func (t *TLB) InvalidateNonGlobal() {
	entries := make(map[uint64][]TLBEntry)
	order := t.order[:0]
	// rebuilding in order keeps the occurrence correspondence intact
	seen := make(map[uint64]int)
	for _, page := range t.order {
		e := t.entries[page][seen[page]]
		seen[page]++
		if e.Global {
			entries[page] = append(entries[page], e)
			order = append(order, page)
		}
	}
	t.entries = entries
	t.order = order
}
