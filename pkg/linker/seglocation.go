package linker

// segLocation is where a module-local segment number ended up: the output
// segment and the relocation factor to add to addresses into it.
type segLocation struct {
	Seg    int
	Offset uint32
}

// segLocations maps a module's local segment numbers to their final
// locations. One is built per module during emission and thrown away
// afterwards; a lookup miss means a relocation names a segment the module
// never declared.
type segLocations map[uint16]segLocation

// buildSegLocations indexes every declared segment's precomputed placement
// plus the fixed entry for the module's BSS segment.
func (mod *ModuleNode) buildSegLocations() segLocations {
	segs := make(segLocations, len(mod.F.Segs)+1)
	for i := range mod.F.Segs {
		segs[mod.F.Segs[i].Number] = segLocation{
			Seg:    mod.SegInfo[i].Dest,
			Offset: mod.SegInfo[i].Reloc,
		}
	}
	segs[2] = segLocation{Seg: 2, Offset: mod.BSSReloc}
	return segs
}

func (s segLocations) get(number uint16) (segLocation, bool) {
	loc, ok := s[number]
	return loc, ok
}
