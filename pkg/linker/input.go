package linker

import (
	"strings"

	"ldrdf/pkg/utils"
)

// ReadInputFiles admits every command-line input: object file paths, and
// -lNAME library references to be searched once all objects are in. The
// object/library search-path prefixes apply to relative names only.
// Reports whether any object module was loaded.
func ReadInputFiles(ctx *Context, remaining []string) (bool, error) {
	loaded := false

	for _, arg := range remaining {
		if name, ok := utils.RemovePrefix(arg, "-l"); ok {
			path := name
			if ctx.Opts.LibPath != "" && !strings.HasPrefix(name, "/") {
				path = ctx.Opts.LibPath + name
			}
			ctx.AddLibrary(path)
			continue
		}

		path := arg
		if ctx.Opts.ObjPath != "" && !strings.HasPrefix(arg, "/") {
			path = ctx.Opts.ObjPath + arg
		}
		if err := ctx.LoadModule(path); err != nil {
			return loaded, err
		}
		loaded = true
	}

	return loaded, nil
}
