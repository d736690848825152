package linker

import (
	"ldrdf/pkg/rdoff"
	"ldrdf/pkg/utils"
)

// segInfo records what became of one input segment: the output segment it
// lands in (-1 to skip it) and its relocation factor there.
type segInfo struct {
	Dest  int
	Reloc uint32
}

// ModuleNode is the link-time state of one accepted input module. Accepted
// modules survive until emission, where their segment placements drive the
// relocation rewriting.
type ModuleNode struct {
	F        *rdoff.File
	Name     string
	SegInfo  []segInfo
	BSSReloc uint32
}

// LoadModule opens an object file and admits it into the link.
func (ctx *Context) LoadModule(path string) error {
	ctx.trace(1, "loading `%s'", path)

	f, err := rdoff.Open(path)
	if err != nil {
		return err
	}

	mod := &ModuleNode{F: f, Name: path}
	ctx.Modules = append(ctx.Modules, mod)
	return ctx.processModule(mod)
}

// processModule classifies every segment of the module per the admission
// policy, then walks the header once to collect symbols, BSS reservations
// and common variables.
func (ctx *Context) processModule(mod *ModuleNode) error {
	mod.SegInfo = make([]segInfo, len(mod.F.Segs))

	for i := range mod.F.Segs {
		seg := &mod.F.Segs[i]
		sconf := segConfig(seg.Type)

		switch sconf.action {
		case segIgnore:
			mod.SegInfo[i].Dest = -1
			ctx.trace(2, "%s %04x [%04x:%10s] IGNORED", mod.Name, seg.Number, seg.Type, sconf.desc)

		case segNewSeg:
			typ := sconf.mergeType
			if typ == 0 {
				typ = seg.Type
			}
			out := ctx.allocNewSeg(typ, seg.Reserved)
			mod.SegInfo[i] = segInfo{Dest: out}
			ctx.OutputSegs[out].Length = seg.Length
			ctx.trace(2, "%s %04x [%04x:%10s] => %04x:%08x (+%04x)",
				mod.Name, seg.Number, seg.Type, sconf.desc, out, 0, seg.Length)

		case segMerge:
			out := ctx.findSegment(sconf.mergeType, seg.Reserved)
			ctx.OutputSegs[out].Length = utils.AlignTo(ctx.OutputSegs[out].Length, ctx.Opts.Align)
			mod.SegInfo[i] = segInfo{Dest: out, Reloc: ctx.OutputSegs[out].Length}
			ctx.OutputSegs[out].Length += seg.Length
			ctx.trace(2, "%s %04x [%04x:%10s] => %04x:%08x (+%04x)",
				mod.Name, seg.Number, seg.Type, sconf.desc, out, mod.SegInfo[i].Reloc, seg.Length)
		}
	}

	if _, err := mod.F.LoadSegment(rdoff.HeaderSegment); err != nil {
		return err
	}

	var bssAmount uint32
	bssReferenced := false

	for {
		rec, err := mod.F.GetHeaderRec()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}

		switch r := rec.(type) {
		case *rdoff.ImportRec:
			if ctx.Symtab.Add(r.Label, SegUnresolved, 0) {
				ctx.Warn("`%s' redefined", r.Label)
			}

		case *rdoff.ExportRec:
			var destSeg int
			var destReloc uint32

			if r.Segment == 2 {
				bssReferenced = true
				destReloc = utils.AlignTo(ctx.BSSLength, ctx.Opts.Align)
				destSeg = 2
			} else {
				local := mod.F.FindSegment(uint16(r.Segment))
				if local == -1 || mod.SegInfo[local].Dest == -1 {
					continue
				}
				destSeg = mod.SegInfo[local].Dest
				destReloc = mod.SegInfo[local].Reloc
			}
			if ctx.Symtab.Add(r.Label, destSeg, destReloc+r.Offset) {
				ctx.Warn("`%s' redefined", r.Label)
			}

		case *rdoff.BSSRec:
			// amalgamate every reservation in this module into one
			bssAmount += r.Amount

		case *rdoff.CommonRec:
			if _, ok := ctx.Symtab.Get(r.Label); ok {
				break
			}
			if r.Align != 0 {
				ctx.BSSLength = utils.AlignTo(ctx.BSSLength, uint32(r.Align))
			}
			ctx.trace(2, "%s %04x common '%s' => 0002:%08x (+%04x)",
				mod.Name, r.Segment, r.Label, ctx.BSSLength, r.Size)
			ctx.Symtab.Add(r.Label, 2, ctx.BSSLength)
			mod.BSSReloc = ctx.BSSLength
			ctx.BSSLength += r.Size
		}
	}

	if bssAmount != 0 || bssReferenced {
		ctx.BSSLength = utils.AlignTo(ctx.BSSLength, ctx.Opts.Align)
		mod.BSSReloc = ctx.BSSLength
		ctx.trace(2, "%s 0002 [            BSS] => 0002:%08x (+%04x)",
			mod.Name, ctx.BSSLength, bssAmount)
		ctx.BSSLength += bssAmount
	}

	return nil
}

// lookForModule reports whether a module of that name is already accepted.
func (ctx *Context) lookForModule(name string) bool {
	for _, mod := range ctx.Modules {
		if mod.Name == name {
			return true
		}
	}
	return false
}
