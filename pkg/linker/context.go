package linker

import (
	"fmt"
	"io"
	"os"

	"ldrdf/pkg/rdoff"
)

// Options are the link-time settings collected from the command line.
type Options struct {
	Verbose        int
	Align          uint32
	Strip          bool
	DynaLink       bool
	Output         string
	ObjPath        string
	LibPath        string
	GenericRecFile string
	ModName        string
}

// Context is one link session: the sole owner of the symbol table, the
// output segment array and the error counter while a link runs.
type Context struct {
	Opts Options

	Modules   []*ModuleNode
	Libraries []*rdoff.Library

	Symtab     SymbolTable
	OutputSegs []OutputSeg
	BSSLength  uint32

	ErrorCount int
	ErrOut     io.Writer
}

func NewContext() *Context {
	ctx := &Context{
		Opts: Options{
			Align:  16,
			Output: "aout.rdf",
		},
		Symtab: NewSymbolTable(),
		ErrOut: os.Stderr,
	}
	ctx.initSegments()
	return ctx
}

// Error records a link-semantic error. The link keeps going so that every
// problem in the inputs gets reported, but the run will fail.
func (ctx *Context) Error(format string, a ...any) {
	fmt.Fprintf(ctx.ErrOut, "error: "+format+"\n", a...)
	ctx.ErrorCount++
}

// Warn reports an advisory condition that does not affect the exit status.
func (ctx *Context) Warn(format string, a ...any) {
	fmt.Fprintf(ctx.ErrOut, "warning: "+format+"\n", a...)
}

func (ctx *Context) trace(level int, format string, a ...any) {
	if ctx.Opts.Verbose >= level {
		fmt.Printf(format+"\n", a...)
	}
}

// Close releases every module accepted into the link, dropping the last
// references on any library streams still open.
func (ctx *Context) Close() {
	for _, mod := range ctx.Modules {
		mod.F.Close()
	}
}
