package linker

import (
	"fmt"
	"os"

	"ldrdf/pkg/rdoff"
	"ldrdf/pkg/utils"
)

// WriteOutput merges the accepted modules into one module and writes it.
// If any link-semantic error was recorded, by this pass or earlier ones,
// the partial output is deleted and an error returned.
func (ctx *Context) WriteOutput(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}

	hb := rdoff.NewHeaderBuf()
	if err := ctx.addLeadingRecords(hb); err != nil {
		f.Close()
		os.Remove(filename)
		return err
	}

	ctx.trace(1, "building output module (%d segments)", len(ctx.OutputSegs))

	for i := range ctx.OutputSegs {
		if i != 2 && ctx.OutputSegs[i].Length > 0 {
			ctx.OutputSegs[i].Data = make([]byte, ctx.OutputSegs[i].Length)
		}
	}

	// segment numbers handed to imports that stay unresolved
	availableSeg := len(ctx.OutputSegs)

	for _, mod := range ctx.Modules {
		if err := ctx.emitModule(mod, hb, &availableSeg); err != nil {
			f.Close()
			os.Remove(filename)
			return err
		}
	}

	// combined BSS reservation for the entire result
	if err := hb.AddRecord(&rdoff.BSSRec{Amount: ctx.BSSLength}); err != nil {
		f.Close()
		os.Remove(filename)
		return err
	}

	for i := range ctx.OutputSegs {
		if i == 2 {
			continue
		}
		hb.AddSegment(ctx.OutputSegs[i].Length)
	}

	werr := hb.WriteHeader(f)
	for i := range ctx.OutputSegs {
		if werr != nil || i == 2 {
			continue
		}
		seg := &ctx.OutputSegs[i]
		werr = rdoff.WriteSegment(f, seg.Type, seg.Number, seg.Reserved, seg.Data)
	}
	if werr == nil {
		werr = rdoff.WriteNullSegment(f)
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(filename)
		return werr
	}

	if ctx.ErrorCount > 0 {
		os.Remove(filename)
		return fmt.Errorf("%d errors recorded, output removed", ctx.ErrorCount)
	}
	return nil
}

// addLeadingRecords emits the optional generic-data and module-name
// records ahead of everything else.
func (ctx *Context) addLeadingRecords(hb *rdoff.HeaderBuf) error {
	if ctx.Opts.GenericRecFile != "" {
		ctx.trace(1, "adding generic record from binary file %s", ctx.Opts.GenericRecFile)

		data, err := os.ReadFile(ctx.Opts.GenericRecFile)
		if err != nil {
			return err
		}
		if len(data) > rdoff.GenericMax {
			ctx.Warn("maximum generic record size is %d, rest of file ignored", rdoff.GenericMax)
			data = data[:rdoff.GenericMax]
		}
		if err := hb.AddRecord(&rdoff.GenericRec{Data: data}); err != nil {
			return err
		}
	}

	if ctx.Opts.ModName != "" {
		if len(ctx.Opts.ModName) < 1 || len(ctx.Opts.ModName) >= rdoff.ModNameMax {
			return fmt.Errorf("invalid length of module name `%s'", ctx.Opts.ModName)
		}
		ctx.trace(1, "adding module name record %s", ctx.Opts.ModName)
		if err := hb.AddRecord(&rdoff.ModNameRec{ModName: ctx.Opts.ModName}); err != nil {
			return err
		}
	}

	return nil
}

// emitModule copies the module's segment bytes into the output buffers and
// re-walks its header, rewriting relocations against the final layout.
func (ctx *Context) emitModule(mod *ModuleNode, hb *rdoff.HeaderBuf, availableSeg *int) error {
	for i := range mod.F.Segs {
		dest := mod.SegInfo[i].Dest
		if dest == -1 {
			continue
		}
		data, err := mod.F.LoadSegment(i)
		if err != nil {
			return err
		}
		copy(ctx.OutputSegs[dest].Data[mod.SegInfo[i].Reloc:], data)
	}

	if _, err := mod.F.LoadSegment(rdoff.HeaderSegment); err != nil {
		return err
	}
	segs := mod.buildSegLocations()

	for {
		rec, err := mod.F.GetHeaderRec()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}

		switch r := rec.(type) {
		case *rdoff.RelocRec:
			if r.Type == rdoff.RecSegReloc {
				err = ctx.emitSegReloc(mod, segs, r, hb)
			} else {
				err = ctx.emitReloc(mod, segs, r, hb)
			}
			if err != nil {
				return err
			}

		case *rdoff.ImportRec:
			ste, ok := ctx.Symtab.Get(r.Label)
			if !ok || ste.Segment == SegUnresolved {
				if !ctx.Opts.DynaLink && r.Flags&rdoff.SymImport == 0 {
					ctx.Error("unresolved reference to `%s' in module `%s'", r.Label, mod.Name)
				}
				// hand the symbol a placeholder segment number for the
				// runtime linker to resolve
				if !ok {
					ste = &SymbolEnt{Name: r.Label}
					ctx.Symtab[r.Label] = ste
				}
				ste.Segment = *availableSeg
				ste.Offset = 0
				*availableSeg++

				nr := *r
				nr.Segment = uint16(ste.Segment)
				if err := hb.AddRecord(&nr); err != nil {
					return err
				}
			}
			segs[r.Segment] = segLocation{Seg: ste.Segment, Offset: ste.Offset}

		case *rdoff.ExportRec:
			if ctx.Opts.Strip && r.Flags&rdoff.SymGlobal == 0 {
				break
			}

			var seg int
			var offset uint32
			if r.Segment == 2 {
				seg = 2
				offset = mod.BSSReloc
			} else {
				local := mod.F.FindSegment(uint16(r.Segment))
				if local == -1 {
					ctx.Error("%s: exported symbol `%s' from unrecognised segment", mod.Name, r.Label)
					break
				}
				offset = mod.SegInfo[local].Reloc
				seg = mod.SegInfo[local].Dest
			}

			nr := *r
			nr.Segment = uint8(seg)
			nr.Offset += offset
			if err := hb.AddRecord(&nr); err != nil {
				return err
			}

		case *rdoff.ModNameRec:
			// keep when not stripping; '$'-prefixed names always survive
			if ctx.Opts.Strip && r.ModName[0] != '$' {
				break
			}
			if err := hb.AddRecord(r); err != nil {
				return err
			}

		case *rdoff.DLLRec:
			if r.LibName[0] != '$' {
				break
			}
			if err := hb.AddRecord(r); err != nil {
				return err
			}

		case *rdoff.CommonRec:
			ste, ok := ctx.Symtab.Get(r.Label)
			if !ok {
				ctx.Warn("common `%s' not in symbol table", r.Label)
				break
			}
			segs[r.Segment] = segLocation{Seg: ste.Segment, Offset: ste.Offset}
		}
	}
}

// emitReloc applies one relocation to the bytes already copied into the
// output buffers, and re-emits the record when the output layout still
// needs one.
func (ctx *Context) emitReloc(mod *ModuleNode, segs segLocations, r *rdoff.RelocRec, hb *rdoff.HeaderBuf) error {
	loc, ok := segs.get(r.RefSeg)
	if !ok {
		ctx.Error("%s: reloc to undefined segment %04x", mod.Name, r.RefSeg)
		return nil
	}

	isRelative := r.Segment&rdoff.RelativeMask == rdoff.RelativeMask
	segment := r.Segment & (rdoff.RelativeMask - 1)

	if segment == 2 {
		ctx.Error("%s: reloc from BSS segment", mod.Name)
		return nil
	}
	local := mod.F.FindSegment(uint16(segment))
	if local == -1 {
		ctx.Error("%s: reloc from unknown segment (%d)", mod.Name, segment)
		return nil
	}

	if r.Length != 1 && r.Length != 2 && r.Length != 4 {
		ctx.Error("%s: nonstandard length reloc (%d bytes)", mod.Name, r.Length)
		return nil
	}

	dest := mod.SegInfo[local]
	data := ctx.OutputSegs[dest.Dest].Data
	site := dest.Reloc + r.Offset
	if int64(dest.Reloc)+int64(r.Offset)+int64(r.Length) > int64(len(data)) {
		ctx.Error("%s: relocation site beyond end of segment (%02x:%08x)", mod.Name, segment, r.Offset)
		return nil
	}

	// relocation factor: where the referenced segment now starts, less our
	// own displacement when the reference is relative
	factor := int64(loc.Offset)
	if isRelative {
		factor -= int64(dest.Reloc)
	}

	switch r.Length {
	case 1:
		v := factor + int64(data[site])
		if v < -127 || v > 128 {
			ctx.Warn("relocation out of range at %s(%02x:%08x)", mod.Name, segment, r.Offset)
		}
		data[site] = uint8(v)
	case 2:
		v := factor + int64(int16(utils.Read[uint16](data[site:])))
		if v < -32767 || v > 32768 {
			ctx.Warn("relocation out of range at %s(%02x:%08x)", mod.Name, segment, r.Offset)
		}
		utils.Write[uint16](data[site:], uint16(v))
	case 4:
		// overflow is not detectable at this width
		v := factor + int64(int32(utils.Read[uint32](data[site:])))
		utils.Write[uint32](data[site:], uint32(v))
	}

	// A relative fixup staying inside one destination segment is final.
	// Everything else must be re-expressed against the output layout.
	if !isRelative || dest.Dest != loc.Seg {
		nr := *r
		nr.Segment = uint8(dest.Dest)
		if isRelative {
			nr.Segment += rdoff.RelativeMask
		}
		nr.Offset += dest.Reloc
		nr.RefSeg = uint16(loc.Seg)
		return hb.AddRecord(&nr)
	}
	return nil
}

// emitSegReloc renumbers a segment-address fixup and passes it through.
func (ctx *Context) emitSegReloc(mod *ModuleNode, segs segLocations, r *rdoff.RelocRec, hb *rdoff.HeaderBuf) error {
	if r.Segment == 2 {
		ctx.Error("%s: segment fixup in BSS section", mod.Name)
		return nil
	}
	local := mod.F.FindSegment(uint16(r.Segment))
	if local == -1 {
		ctx.Error("%s: segment fixup in unrecognised segment (%d)", mod.Name, r.Segment)
		return nil
	}

	nr := *r
	nr.Segment = uint8(mod.SegInfo[local].Dest)
	nr.Offset += mod.SegInfo[local].Reloc

	loc, ok := segs.get(r.RefSeg)
	if !ok {
		ctx.Error("%s: segment fixup to undefined segment %04x", mod.Name, r.RefSeg)
		return nil
	}
	nr.RefSeg = uint16(loc.Seg)
	return hb.AddRecord(&nr)
}
