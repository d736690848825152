package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"ldrdf/pkg/linker"
	"ldrdf/pkg/utils"
)

const version = "1.08"

func usage() {
	fmt.Printf("usage:\n" +
		"   ldrdf [options] object modules ... [-llibrary ...]\n" +
		"   ldrdf -r\n" +
		"options:\n" +
		"   -v[=n]          increase verbosity by 1, or set it to n\n" +
		"   -a nn           set segment alignment value (default 16)\n" +
		"   -s              strip public symbols\n" +
		"   -dy             Unix-style dynamic linking\n" +
		"   -o name         write output in file 'name'\n" +
		"   -j path         specify objects search path\n" +
		"   -L path         specify libraries search path\n" +
		"   -g file         embed 'file' as a first header record with type 'generic'\n" +
		"   -mn name        add module name record at the beginning of output file\n")
	os.Exit(0)
}

// parseArgs consumes the leading options and returns the remaining object
// and -l arguments, with any @file response files spliced in.
func parseArgs(ctx *linker.Context, args []string) []string {
	needArg := func(flag string) string {
		if len(args) < 2 {
			utils.Fatal(fmt.Sprintf("%s expects an argument", flag))
		}
		v := args[1]
		args = args[1:]
		return v
	}

	for len(args) > 0 && strings.HasPrefix(args[0], "-") &&
		!strings.HasPrefix(args[0], "-l") {
		arg := args[0]
		switch {
		case arg == "-r":
			fmt.Printf("ldrdf (linker for RDF files) version %s\n", version)
			os.Exit(0)
		case strings.HasPrefix(arg, "-v"):
			if strings.HasPrefix(arg, "-v=") {
				n, err := strconv.Atoi(arg[3:])
				if err != nil || n < 0 || n > 9 {
					utils.Fatal("verbosity level must be a number between 0 and 9")
				}
				ctx.Opts.Verbose = n
			} else {
				ctx.Opts.Verbose++
			}
		case arg == "-a":
			n, err := strconv.Atoi(needArg("-a"))
			if err != nil || n <= 0 {
				utils.Fatal("-a expects a positive number argument")
			}
			ctx.Opts.Align = uint32(n)
		case arg == "-s":
			ctx.Opts.Strip = true
		case arg == "-dy":
			ctx.Opts.DynaLink = true
		case arg == "-mn":
			ctx.Opts.ModName = needArg("-mn")
		case arg == "-o":
			ctx.Opts.Output = needArg("-o")
		case arg == "-j":
			if ctx.Opts.ObjPath != "" {
				utils.Fatal("more than one objects search path specified")
			}
			ctx.Opts.ObjPath = needArg("-j")
		case arg == "-L":
			if ctx.Opts.LibPath != "" {
				utils.Fatal("more than one libraries search path specified")
			}
			ctx.Opts.LibPath = needArg("-L")
		case arg == "-g":
			ctx.Opts.GenericRecFile = needArg("-g")
		case arg == "-2":
			ctx.ErrOut = os.Stdout
		case arg == "-@":
			args = append(args[:1], append(readResponseFile(needArg("-@")), args[1:]...)...)
		default:
			usage()
		}
		args = args[1:]
	}

	return args
}

func readResponseFile(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		utils.Fatal(fmt.Sprintf("unable to open response file: %s", path))
	}

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func main() {
	ctx := linker.NewContext()

	args := os.Args[1:]
	if len(args) == 0 {
		usage()
	}
	remaining := parseArgs(ctx, args)

	if ctx.Opts.Verbose > 4 {
		fmt.Printf("ldrdf invoked with options:\n")
		fmt.Printf("    section alignment: %d bytes\n", ctx.Opts.Align)
		fmt.Printf("    output name: `%s'\n", ctx.Opts.Output)
		if ctx.Opts.Strip {
			fmt.Printf("    strip symbols\n")
		}
		if ctx.Opts.DynaLink {
			fmt.Printf("    Unix-style dynamic linking\n")
		}
		if ctx.Opts.ObjPath != "" {
			fmt.Printf("    objects search path: %s\n", ctx.Opts.ObjPath)
		}
		if ctx.Opts.LibPath != "" {
			fmt.Printf("    libraries search path: %s\n", ctx.Opts.LibPath)
		}
		fmt.Printf("\n")
	}

	loaded, err := linker.ReadInputFiles(ctx, remaining)
	utils.MustNo(err)
	if !loaded {
		fmt.Printf("ldrdf: nothing to do. ldrdf -h for usage\n")
		return
	}

	utils.MustNo(ctx.ResolveLibraries())

	if ctx.Opts.Verbose > 2 {
		fmt.Printf("symbol table:\n")
		ctx.Symtab.Dump(os.Stdout)
	}

	err = ctx.WriteOutput(ctx.Opts.Output)
	ctx.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ldrdf: %v\n", err)
		os.Exit(1)
	}
}
