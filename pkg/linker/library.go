package linker

import (
	"errors"

	"ldrdf/pkg/rdoff"
)

// AddLibrary validates a library's format and appends it to the ordered
// search list. A bad library is a recorded error, not a fatal one, so the
// rest of the inputs still get checked.
func (ctx *Context) AddLibrary(name string) {
	if err := rdoff.Verify(name); err != nil {
		ctx.Error("%v", err)
		return
	}
	ctx.Libraries = append(ctx.Libraries, rdoff.NewLibrary(name))
}

// ResolveLibraries sweeps the libraries until a whole sweep accepts no new
// module. A single sweep is not enough: a member accepted late in the scan
// can reference symbols only an earlier library defines.
func (ctx *Context) ResolveLibraries() error {
	for {
		added, err := ctx.searchLibraries()
		if err != nil {
			return err
		}
		if !added {
			return nil
		}
	}
}

// searchLibraries makes one sweep: pass 1 walks every member of every
// library in file order, accepting any member that exports a symbol still
// unresolved (or flagged globally wanted); pass 2 re-walks the libraries,
// catching symbols that pass 1 discovered too late. Members already
// accepted are skipped by name on either pass, or a globally-wanted member
// would be accepted again on every sweep.
func (ctx *Context) searchLibraries() (bool, error) {
	added := false
	pass := 1

	for li := 0; li < len(ctx.Libraries); li++ {
		lib := ctx.Libraries[li]
		ctx.trace(3, "scanning library `%s', pass %d...", lib.Name, pass)

		for i := 0; ; i++ {
			f, err := lib.OpenModule(i)
			if errors.Is(err, rdoff.ErrNotFound) {
				break
			}
			if err != nil {
				ctx.Error("%v", err)
				break
			}

			if ctx.lookForModule(f.Name) {
				f.Close()
				continue
			}
			ctx.trace(4, "  looking in module `%s'", f.Name)

			keep, err := ctx.considerMember(f)
			if err != nil {
				f.Close()
				return added, err
			}
			if keep {
				added = true
			} else {
				f.Close()
			}
		}

		if li == len(ctx.Libraries)-1 && pass == 1 {
			li = -1
			pass = 2
		}
	}

	return added, nil
}

// considerMember accepts the member as a module if any of its exports is
// wanted, and reports whether the member (and its file handle) was kept.
func (ctx *Context) considerMember(f *rdoff.File) (bool, error) {
	if _, err := f.LoadSegment(rdoff.HeaderSegment); err != nil {
		return false, err
	}

	for {
		rec, err := f.GetHeaderRec()
		if err != nil {
			return false, err
		}
		if rec == nil {
			return false, nil
		}

		e, ok := rec.(*rdoff.ExportRec)
		if !ok {
			continue
		}

		// A SYM_GLOBAL export is wanted unconditionally; a plain public
		// symbol only if something referenced it and nothing defined it.
		if e.Flags&rdoff.SymGlobal == 0 {
			ste, ok := ctx.Symtab.Get(e.Label)
			if !ok || ste.Segment != SegUnresolved {
				continue
			}
		}

		mod := &ModuleNode{F: f, Name: f.Name}
		ctx.Modules = append(ctx.Modules, mod)
		return true, ctx.processModule(mod)
	}
}
