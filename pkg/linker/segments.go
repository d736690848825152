package linker

import "ldrdf/pkg/utils"

// Admission policy for a segment type: leave it out of the link, give it a
// fresh output segment, or merge it into the output segment of mergeType.
const (
	segIgnore = iota
	segNewSeg
	segMerge
)

type segPolicy struct {
	typeLow   uint16
	typeHigh  uint16
	desc      string
	action    int
	mergeType uint16 // 0 under segNewSeg: keep the segment's own type
}

// segPolicies covers the full type range; BSS (segment number 2) never
// reaches it, being concatenated separately.
var segPolicies = []segPolicy{
	{0x0000, 0x0000, "NULL segment", segIgnore, 0},
	{0x0001, 0x0001, "text", segMerge, 0x0001},
	{0x0002, 0x0002, "data", segMerge, 0x0002},
	{0x0003, 0x0003, "constant data", segMerge, 0x0002},
	{0x0004, 0x0005, "far data", segNewSeg, 0},
	{0x0006, 0x7FFF, "reserved", segIgnore, 0},
	{0x8000, 0xFFFE, "reserved - system dependent", segIgnore, 0},
	{0xFFFF, 0xFFFF, "invalid segment", segIgnore, 0},
}

func segConfig(typ uint16) *segPolicy {
	for i := range segPolicies {
		if typ >= segPolicies[i].typeLow && typ <= segPolicies[i].typeHigh {
			return &segPolicies[i]
		}
	}
	utils.Fatal("segment type out of policy table range")
	return nil
}

// OutputSeg is one accumulated destination segment. Its length only ever
// grows as input segments are merged in; Data is allocated to the final
// length during emission.
type OutputSeg struct {
	Type     uint16
	Number   uint16
	Reserved uint16
	Length   uint32
	Data     []byte
}

// initSegments seeds the three standard segments: code=0, data=1 and the
// virtual (never written) bss=2.
func (ctx *Context) initSegments() {
	ctx.OutputSegs = []OutputSeg{
		{Type: 1, Number: 0},
		{Type: 2, Number: 1},
		{Type: 0xFFFF, Number: 2},
	}
	ctx.BSSLength = 0
}

func (ctx *Context) allocNewSeg(typ, reserved uint16) int {
	n := len(ctx.OutputSegs)
	ctx.OutputSegs = append(ctx.OutputSegs, OutputSeg{
		Type:     typ,
		Number:   uint16(n),
		Reserved: reserved,
	})
	return n
}

// findSegment locates the output segment of the given type, allocating one
// if no module has produced that type yet.
func (ctx *Context) findSegment(typ, reserved uint16) int {
	for i := range ctx.OutputSegs {
		if ctx.OutputSegs[i].Type == typ {
			return i
		}
	}
	return ctx.allocNewSeg(typ, reserved)
}
