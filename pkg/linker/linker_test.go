package linker

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"ldrdf/pkg/rdoff"
)

type testSeg struct {
	typ    uint16
	number uint16
	data   []byte
}

func objectBytes(t *testing.T, recs []rdoff.Record, segs []testSeg) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	hb := rdoff.NewHeaderBuf()
	for _, r := range recs {
		assert.NoError(t, hb.AddRecord(r))
	}
	for _, s := range segs {
		hb.AddSegment(uint32(len(s.data)))
	}
	assert.NoError(t, hb.WriteHeader(buf))
	for _, s := range segs {
		assert.NoError(t, rdoff.WriteSegment(buf, s.typ, s.number, 0, s.data))
	}
	assert.NoError(t, rdoff.WriteNullSegment(buf))
	return buf.Bytes()
}

func writeObject(t *testing.T, path string, recs []rdoff.Record, segs []testSeg) {
	t.Helper()
	assert.NoError(t, os.WriteFile(path, objectBytes(t, recs, segs), 0644))
}

type libMember struct {
	name string
	body []byte
}

func writeLibrary(t *testing.T, path string, members []libMember) {
	t.Helper()

	buf := &bytes.Buffer{}
	for _, m := range members {
		buf.WriteString(m.name)
		buf.WriteByte(0)
		buf.Write(m.body)
	}
	assert.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func newTestContext(out string) (*Context, *bytes.Buffer) {
	ctx := NewContext()
	ctx.Opts.Output = out
	diag := &bytes.Buffer{}
	ctx.ErrOut = diag
	return ctx, diag
}

func link(t *testing.T, ctx *Context, inputs []string) error {
	t.Helper()

	_, err := ReadInputFiles(ctx, inputs)
	assert.NoError(t, err)
	assert.NoError(t, ctx.ResolveLibraries())
	err = ctx.WriteOutput(ctx.Opts.Output)
	ctx.Close()
	return err
}

func readOutputRecords(t *testing.T, path string) (*rdoff.File, []rdoff.Record) {
	t.Helper()

	f, err := rdoff.Open(path)
	assert.NoError(t, err)
	_, err = f.LoadSegment(rdoff.HeaderSegment)
	assert.NoError(t, err)

	var recs []rdoff.Record
	for {
		rec, err := f.GetHeaderRec()
		assert.NoError(t, err)
		if rec == nil {
			return f, recs
		}
		recs = append(recs, rec)
	}
}

func findExport(recs []rdoff.Record, label string) *rdoff.ExportRec {
	for _, rec := range recs {
		if e, ok := rec.(*rdoff.ExportRec); ok && e.Label == label {
			return e
		}
	}
	return nil
}

// Two modules: A exports main at code offset 0, B imports it. With 16-byte
// alignment B's code lands at offset 16 and its reference to main resolves
// to absolute code offset 0.
func TestLinkTwoModules(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	b := filepath.Join(dir, "b.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.ExportRec{Segment: 0, Offset: 0, Label: "main"}},
		[]testSeg{{typ: 1, number: 0, data: bytes.Repeat([]byte{0x90}, 10)}})

	bCode := make([]byte, 5)
	writeObject(t, b,
		[]rdoff.Record{
			&rdoff.ImportRec{Type: rdoff.RecImport, Segment: 5, Label: "main"},
			&rdoff.RelocRec{Type: rdoff.RecReloc, Segment: 0, Offset: 0, Length: 4, RefSeg: 5},
		},
		[]testSeg{{typ: 1, number: 0, data: bCode}})

	ctx, _ := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{a, b}))
	assert.Equal(t, 0, ctx.ErrorCount)

	f, recs := readOutputRecords(t, out)
	defer f.Close()

	assert.Equal(t, uint16(1), f.Segs[0].Type)
	assert.GreaterOrEqual(t, f.Segs[0].Length, uint32(21))

	data, err := f.LoadSegment(0)
	assert.NoError(t, err)
	// B's 4-byte reference at output offset 16 holds main's address, 0
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(data[16:]))

	e := findExport(recs, "main")
	assert.NotNil(t, e)
	assert.Equal(t, uint8(0), e.Segment)
	assert.Equal(t, uint32(0), e.Offset)

	// the absolute relocation is re-expressed against the output layout
	var rel *rdoff.RelocRec
	for _, rec := range recs {
		if r, ok := rec.(*rdoff.RelocRec); ok && r.Type == rdoff.RecReloc {
			rel = r
		}
	}
	assert.NotNil(t, rel)
	assert.Equal(t, uint32(16), rel.Offset)
	assert.Equal(t, uint16(0), rel.RefSeg)
}

func TestMergeDeterminism(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	b := filepath.Join(dir, "b.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.ExportRec{Segment: 0, Offset: 2, Label: "start"}},
		[]testSeg{
			{typ: 1, number: 0, data: []byte{1, 2, 3}},
			{typ: 2, number: 1, data: []byte{4, 5}},
		})
	writeObject(t, b,
		[]rdoff.Record{&rdoff.BSSRec{Amount: 32}},
		[]testSeg{{typ: 1, number: 0, data: []byte{6, 7, 8, 9}}})

	link1 := filepath.Join(dir, "out1.rdf")
	link2 := filepath.Join(dir, "out2.rdf")

	ctx1, _ := newTestContext(link1)
	assert.NoError(t, link(t, ctx1, []string{a, b}))
	ctx2, _ := newTestContext(link2)
	assert.NoError(t, link(t, ctx2, []string{a, b}))

	got1, err := os.ReadFile(link1)
	assert.NoError(t, err)
	got2, err := os.ReadFile(link2)
	assert.NoError(t, err)
	assert.Equal(t, got1, got2)
}

func TestMergeAlignment(t *testing.T) {
	dir := t.TempDir()
	var inputs []string
	lengths := []int{3, 5, 7}
	for i, n := range lengths {
		path := filepath.Join(dir, string(rune('a'+i))+".rdf")
		writeObject(t, path, nil,
			[]testSeg{{typ: 1, number: 0, data: make([]byte, n)}})
		inputs = append(inputs, path)
	}

	ctx, _ := newTestContext(filepath.Join(dir, "out.rdf"))
	_, err := ReadInputFiles(ctx, inputs)
	assert.NoError(t, err)

	for _, mod := range ctx.Modules {
		for _, si := range mod.SegInfo {
			if si.Dest != -1 {
				assert.Zero(t, si.Reloc%ctx.Opts.Align)
			}
		}
	}
	ctx.Close()
}

func TestSymbolResolutionMonotonic(t *testing.T) {
	tab := NewSymbolTable()

	assert.False(t, tab.Add("x", SegUnresolved, 0))
	assert.False(t, tab.Add("x", 0, 5))

	// lookup probes and duplicates never downgrade a resolved entry
	assert.False(t, tab.Add("x", SegUnresolved, 0))
	assert.True(t, tab.Add("x", 1, 9))

	ste, ok := tab.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 0, ste.Segment)
	assert.Equal(t, uint32(5), ste.Offset)
}

// One library member can pull in unresolved references that only another
// library satisfies, so the sweep has to repeat until nothing new is
// accepted. Listing the provider of "b" first forces a second pass.
func TestLibraryFixedPoint(t *testing.T) {
	dir := t.TempDir()

	main := filepath.Join(dir, "main.rdf")
	writeObject(t, main,
		[]rdoff.Record{&rdoff.ImportRec{Type: rdoff.RecImport, Segment: 3, Label: "a"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})

	lib1 := filepath.Join(dir, "lib1.rdl")
	writeLibrary(t, lib1, []libMember{{"amod", objectBytes(t,
		[]rdoff.Record{
			&rdoff.ExportRec{Segment: 0, Offset: 0, Label: "a"},
			&rdoff.ImportRec{Type: rdoff.RecImport, Segment: 3, Label: "b"},
		},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})}})

	lib2 := filepath.Join(dir, "lib2.rdl")
	writeLibrary(t, lib2, []libMember{{"bmod", objectBytes(t,
		[]rdoff.Record{&rdoff.ExportRec{Segment: 0, Offset: 0, Label: "b"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})}})

	out := filepath.Join(dir, "out.rdf")
	ctx, _ := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{main, "-l" + lib2, "-l" + lib1}))

	assert.Len(t, ctx.Modules, 3)
	for _, sym := range []string{"a", "b"} {
		ste, ok := ctx.Symtab.Get(sym)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, ste.Segment, 0)
	}
}

func TestRelocationFactor(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	b := filepath.Join(dir, "b.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a, nil,
		[]testSeg{{typ: 1, number: 0, data: make([]byte, 0x100)}})

	// b's own code is merged at 0x100; its self-referencing absolute
	// relocation gains exactly that factor
	bCode := make([]byte, 4)
	binary.LittleEndian.PutUint32(bCode, 0x10)
	writeObject(t, b,
		[]rdoff.Record{&rdoff.RelocRec{Type: rdoff.RecReloc, Segment: 0, Offset: 0, Length: 4, RefSeg: 0}},
		[]testSeg{{typ: 1, number: 0, data: bCode}})

	ctx, _ := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{a, b}))

	f, _ := readOutputRecords(t, out)
	defer f.Close()
	data, err := f.LoadSegment(0)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x110), binary.LittleEndian.Uint32(data[0x100:]))
}

func TestNarrowRelocationOverflowWarns(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	c := filepath.Join(dir, "c.rdf")
	out := filepath.Join(dir, "out.rdf")

	// push c's data segment out to 0x2000
	writeObject(t, a, nil,
		[]testSeg{{typ: 2, number: 0, data: make([]byte, 0x2000)}})

	// a 2-byte relative reference from code to data: factor 0x2000,
	// site value 0x7000, sum 36864 overflows the width
	cCode := make([]byte, 2)
	binary.LittleEndian.PutUint16(cCode, 0x7000)
	writeObject(t, c,
		[]rdoff.Record{&rdoff.RelocRec{
			Type:    rdoff.RecReloc,
			Segment: 0 | rdoff.RelativeMask,
			Offset:  0,
			Length:  2,
			RefSeg:  1,
		}},
		[]testSeg{
			{typ: 1, number: 0, data: cCode},
			{typ: 2, number: 1, data: []byte{0}},
		})

	ctx, diag := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{a, c}))

	// warn-and-continue: the truncated value is still written and the
	// link still succeeds
	assert.Contains(t, diag.String(), "relocation out of range")
	assert.Equal(t, 0, ctx.ErrorCount)

	f, _ := readOutputRecords(t, out)
	defer f.Close()
	data, err := f.LoadSegment(0)
	assert.NoError(t, err)
	assert.Equal(t, uint16(36864), binary.LittleEndian.Uint16(data))
}

// A relocation whose fixup site lies past the end of its own segment is a
// recorded link error, never a crash.
func TestRelocSiteBeyondSegment(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.RelocRec{Type: rdoff.RecReloc, Segment: 0, Offset: 100, Length: 1, RefSeg: 0}},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})

	ctx, diag := newTestContext(out)
	err := link(t, ctx, []string{a})
	assert.Error(t, err)
	assert.Contains(t, diag.String(), "relocation site beyond end of segment")

	_, serr := os.Stat(out)
	assert.True(t, os.IsNotExist(serr))
}

// -g and -mn put a generic record and a module-name record ahead of
// everything else; generic data past 128 bytes is dropped with a warning.
func TestLeadingHeaderRecords(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	gen := filepath.Join(dir, "gen.bin")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.ExportRec{Segment: 0, Offset: 0, Label: "main"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})

	genData := bytes.Repeat([]byte{0xaa}, 200)
	assert.NoError(t, os.WriteFile(gen, genData, 0644))

	ctx, diag := newTestContext(out)
	ctx.Opts.GenericRecFile = gen
	ctx.Opts.ModName = "mymod"
	assert.NoError(t, link(t, ctx, []string{a}))
	assert.Contains(t, diag.String(), "rest of file ignored")

	_, recs := readOutputRecords(t, out)
	g, ok := recs[0].(*rdoff.GenericRec)
	assert.True(t, ok)
	assert.Equal(t, genData[:rdoff.GenericMax], g.Data)
	mn, ok := recs[1].(*rdoff.ModNameRec)
	assert.True(t, ok)
	assert.Equal(t, "mymod", mn.ModName)
}

func TestUnresolvedImportFails(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.ImportRec{Type: rdoff.RecImport, Segment: 3, Label: "missing"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})

	ctx, diag := newTestContext(out)
	err := link(t, ctx, []string{a})
	assert.Error(t, err)
	assert.Contains(t, diag.String(), "unresolved reference to `missing'")

	// no partial output is left behind
	_, serr := os.Stat(out)
	assert.True(t, os.IsNotExist(serr))
}

func TestDynamicLinkTolerance(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.ImportRec{Type: rdoff.RecImport, Segment: 3, Label: "missing"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{0xc3}}})

	ctx, _ := newTestContext(out)
	ctx.Opts.DynaLink = true
	assert.NoError(t, link(t, ctx, []string{a}))

	// the import survives, re-bound to a placeholder output segment
	f, recs := readOutputRecords(t, out)
	defer f.Close()
	var imp *rdoff.ImportRec
	for _, rec := range recs {
		if r, ok := rec.(*rdoff.ImportRec); ok {
			imp = r
		}
	}
	assert.NotNil(t, imp)
	assert.Equal(t, uint16(3), imp.Segment)
	assert.Equal(t, "missing", imp.Label)
}

func TestDuplicateDefinitionWarns(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	b := filepath.Join(dir, "b.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.ExportRec{Segment: 0, Offset: 0, Label: "dup"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{1, 2}}})
	writeObject(t, b,
		[]rdoff.Record{&rdoff.ExportRec{Segment: 0, Offset: 1, Label: "dup"}},
		[]testSeg{{typ: 1, number: 0, data: []byte{3, 4}}})

	ctx, diag := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{a, b}))

	assert.Contains(t, diag.String(), "`dup' redefined")
	ste, _ := ctx.Symtab.Get("dup")
	// first definition wins
	assert.Equal(t, 0, ste.Segment)
	assert.Equal(t, uint32(0), ste.Offset)
}

func TestCommonVariables(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	b := filepath.Join(dir, "b.rdf")
	out := filepath.Join(dir, "out.rdf")

	common := &rdoff.CommonRec{Segment: 4, Size: 8, Align: 4, Label: "shared"}
	writeObject(t, a, []rdoff.Record{common},
		[]testSeg{{typ: 1, number: 0, data: []byte{1}}})
	writeObject(t, b, []rdoff.Record{common},
		[]testSeg{{typ: 1, number: 0, data: []byte{2}}})

	ctx, _ := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{a, b}))

	// only the first mention claims BSS space
	ste, ok := ctx.Symtab.Get("shared")
	assert.True(t, ok)
	assert.Equal(t, 2, ste.Segment)
	assert.Equal(t, uint32(0), ste.Offset)

	_, recs := readOutputRecords(t, out)
	var bss *rdoff.BSSRec
	for _, rec := range recs {
		if r, ok := rec.(*rdoff.BSSRec); ok {
			bss = r
		}
	}
	assert.NotNil(t, bss)
	assert.Equal(t, uint32(8), bss.Amount)
}

func TestStripKeepsGlobalSymbols(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{
			&rdoff.ExportRec{Flags: rdoff.SymGlobal, Segment: 0, Offset: 0, Label: "keep"},
			&rdoff.ExportRec{Segment: 0, Offset: 1, Label: "drop"},
		},
		[]testSeg{{typ: 1, number: 0, data: []byte{1, 2}}})

	ctx, _ := newTestContext(out)
	ctx.Opts.Strip = true
	assert.NoError(t, link(t, ctx, []string{a}))

	_, recs := readOutputRecords(t, out)
	assert.NotNil(t, findExport(recs, "keep"))
	assert.Nil(t, findExport(recs, "drop"))
}

func TestBSSConcatenation(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rdf")
	b := filepath.Join(dir, "b.rdf")
	out := filepath.Join(dir, "out.rdf")

	writeObject(t, a,
		[]rdoff.Record{&rdoff.BSSRec{Amount: 10}},
		[]testSeg{{typ: 1, number: 0, data: []byte{1}}})
	writeObject(t, b,
		[]rdoff.Record{
			&rdoff.BSSRec{Amount: 4},
			&rdoff.ExportRec{Segment: 2, Offset: 0, Label: "buf"},
		},
		[]testSeg{{typ: 1, number: 0, data: []byte{2}}})

	ctx, _ := newTestContext(out)
	assert.NoError(t, link(t, ctx, []string{a, b}))

	// b's BSS starts after a's 10 bytes padded to the 16-byte boundary
	ste, ok := ctx.Symtab.Get("buf")
	assert.True(t, ok)
	assert.Equal(t, 2, ste.Segment)
	assert.Equal(t, uint32(16), ste.Offset)
	assert.Equal(t, uint32(20), ctx.BSSLength)
}
