package linker

import (
	"fmt"
	"io"
	"sort"
)

// Resolution states for SymbolEnt.Segment below zero.
const (
	SegUnresolved = -1 // referenced but not yet defined
	SegDLL        = -2 // satisfied by a dynamic-link binding
)

// SymbolEnt is one symbol's resolution state. Once Segment goes
// non-negative it never returns below zero.
type SymbolEnt struct {
	Name    string
	Segment int
	Offset  uint32
	Flags   int
}

type SymbolTable map[string]*SymbolEnt

func NewSymbolTable() SymbolTable {
	return make(SymbolTable)
}

// Add merges new information about a symbol into the table and reports
// whether it was a duplicate definition (first definition wins).
//
// A negative segment is a lookup-only probe: it creates an unresolved
// placeholder if the name is new, and never downgrades an existing entry.
func (t SymbolTable) Add(name string, segment int, offset uint32) bool {
	ste, ok := t[name]
	if !ok {
		t[name] = &SymbolEnt{Name: name, Segment: segment, Offset: offset}
		return false
	}

	if ste.Segment >= 0 {
		return segment >= 0
	}
	if segment == SegUnresolved {
		return false
	}
	ste.Segment = segment
	ste.Offset = offset
	ste.Flags = 0
	return false
}

func (t SymbolTable) Get(name string) (*SymbolEnt, bool) {
	ste, ok := t[name]
	return ste, ok
}

// Dump prints the table sorted by name.
func (t SymbolTable) Dump(w io.Writer) {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ste := t[name]
		fmt.Fprintf(w, "%-32s %04x:%08x\n", ste.Name, uint16(ste.Segment), ste.Offset)
	}
}
