package rdoff

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header record tags. Tag 9 is unassigned in the format.
const (
	RecGeneric   uint8 = 0
	RecReloc     uint8 = 1
	RecImport    uint8 = 2
	RecGlobal    uint8 = 3
	RecDLL       uint8 = 4
	RecBSS       uint8 = 5
	RecSegReloc  uint8 = 6
	RecFarImport uint8 = 7
	RecModName   uint8 = 8
	RecCommon    uint8 = 10
)

// Symbol flags carried by import and export records.
const (
	SymData     = 1
	SymFunction = 2
	SymGlobal   = 4
	SymImport   = 8
)

// Bit 6 of a relocation record's segment field marks the relocation as
// relative to the segment containing the fixup site.
const RelativeMask = 0x40

const (
	Magic      = "RDOFF2"
	MaxSegs    = 64
	LabelMax   = 64
	ModNameMax = 128
	GenericMax = 128
)

// HeaderSegment selects the header pseudo-segment for File.LoadSegment.
const HeaderSegment = -1

// Record is one tagged header record. The concrete types below are the
// only implementations.
type Record interface {
	Tag() uint8
	body() ([]byte, error)
}

// RelocRec is both an ordinary relocation (RecReloc) and a segment-address
// fixup (RecSegReloc); the two share one wire layout.
type RelocRec struct {
	Type    uint8
	Segment uint8 // low 6 bits: segment of the fixup site; bit 6: relative
	Offset  uint32
	Length  uint8
	RefSeg  uint16
}

func (r *RelocRec) Tag() uint8 { return r.Type }

func (r *RelocRec) body() ([]byte, error) {
	b := make([]byte, 8)
	b[0] = r.Segment
	binary.LittleEndian.PutUint32(b[1:], r.Offset)
	b[5] = r.Length
	binary.LittleEndian.PutUint16(b[6:], r.RefSeg)
	return b, nil
}

// ImportRec covers RecImport and RecFarImport.
type ImportRec struct {
	Type    uint8
	Flags   uint8
	Segment uint16
	Label   string
}

func (r *ImportRec) Tag() uint8 { return r.Type }

func (r *ImportRec) body() ([]byte, error) {
	if len(r.Label) < 1 || len(r.Label) >= LabelMax {
		return nil, fmt.Errorf("import label `%s': %w", r.Label, ErrRecord)
	}
	b := make([]byte, 3+len(r.Label)+1)
	b[0] = r.Flags
	binary.LittleEndian.PutUint16(b[1:], r.Segment)
	copy(b[3:], r.Label)
	return b, nil
}

// ExportRec is a global (exported) symbol definition.
type ExportRec struct {
	Flags   uint8
	Segment uint8
	Offset  uint32
	Label   string
}

func (r *ExportRec) Tag() uint8 { return RecGlobal }

func (r *ExportRec) body() ([]byte, error) {
	if len(r.Label) < 1 || len(r.Label) >= LabelMax {
		return nil, fmt.Errorf("export label `%s': %w", r.Label, ErrRecord)
	}
	b := make([]byte, 6+len(r.Label)+1)
	b[0] = r.Flags
	b[1] = r.Segment
	binary.LittleEndian.PutUint32(b[2:], r.Offset)
	copy(b[6:], r.Label)
	return b, nil
}

type DLLRec struct {
	LibName string
}

func (r *DLLRec) Tag() uint8 { return RecDLL }

func (r *DLLRec) body() ([]byte, error) {
	if len(r.LibName) < 1 || len(r.LibName) >= ModNameMax {
		return nil, fmt.Errorf("dll name `%s': %w", r.LibName, ErrRecord)
	}
	b := make([]byte, len(r.LibName)+1)
	copy(b, r.LibName)
	return b, nil
}

type BSSRec struct {
	Amount uint32
}

func (r *BSSRec) Tag() uint8 { return RecBSS }

func (r *BSSRec) body() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, r.Amount)
	return b, nil
}

type ModNameRec struct {
	ModName string
}

func (r *ModNameRec) Tag() uint8 { return RecModName }

func (r *ModNameRec) body() ([]byte, error) {
	if len(r.ModName) < 1 || len(r.ModName) >= ModNameMax {
		return nil, fmt.Errorf("module name `%s': %w", r.ModName, ErrRecord)
	}
	b := make([]byte, len(r.ModName)+1)
	copy(b, r.ModName)
	return b, nil
}

// CommonRec requests named, uninitialized global storage; multiple modules
// may request the same name and only the first reservation claims space.
type CommonRec struct {
	Segment uint16
	Size    uint32
	Align   uint16
	Label   string
}

func (r *CommonRec) Tag() uint8 { return RecCommon }

func (r *CommonRec) body() ([]byte, error) {
	if len(r.Label) < 1 || len(r.Label) >= LabelMax {
		return nil, fmt.Errorf("common label `%s': %w", r.Label, ErrRecord)
	}
	b := make([]byte, 8+len(r.Label)+1)
	binary.LittleEndian.PutUint16(b, r.Segment)
	binary.LittleEndian.PutUint32(b[2:], r.Size)
	binary.LittleEndian.PutUint16(b[6:], r.Align)
	copy(b[8:], r.Label)
	return b, nil
}

// GenericRec carries an opaque payload passed through to the loader.
type GenericRec struct {
	Data []byte
}

func (r *GenericRec) Tag() uint8 { return RecGeneric }

func (r *GenericRec) body() ([]byte, error) {
	if len(r.Data) > GenericMax {
		return nil, fmt.Errorf("generic record of %d bytes: %w", len(r.Data), ErrRecord)
	}
	return r.Data, nil
}

// getString extracts a NUL-terminated label that must fill the whole of b.
func getString(b []byte) (string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 || i != len(b)-1 {
		return "", false
	}
	return string(b[:i]), true
}

// decodeRecord parses one record body, validating the declared length
// against the layout expected for the tag.
func decodeRecord(tag uint8, body []byte) (Record, error) {
	bad := func() (Record, error) {
		return nil, fmt.Errorf("record type %d, length %d: %w", tag, len(body), ErrRecord)
	}

	switch tag {
	case RecReloc, RecSegReloc:
		if len(body) != 8 {
			return bad()
		}
		return &RelocRec{
			Type:    tag,
			Segment: body[0],
			Offset:  binary.LittleEndian.Uint32(body[1:]),
			Length:  body[5],
			RefSeg:  binary.LittleEndian.Uint16(body[6:]),
		}, nil
	case RecImport, RecFarImport:
		if len(body) < 5 {
			return bad()
		}
		label, ok := getString(body[3:])
		if !ok || len(label) >= LabelMax {
			return bad()
		}
		return &ImportRec{
			Type:    tag,
			Flags:   body[0],
			Segment: binary.LittleEndian.Uint16(body[1:]),
			Label:   label,
		}, nil
	case RecGlobal:
		if len(body) < 8 {
			return bad()
		}
		label, ok := getString(body[6:])
		if !ok || len(label) >= LabelMax {
			return bad()
		}
		return &ExportRec{
			Flags:   body[0],
			Segment: body[1],
			Offset:  binary.LittleEndian.Uint32(body[2:]),
			Label:   label,
		}, nil
	case RecDLL:
		name, ok := getString(body)
		if !ok || len(name) >= ModNameMax {
			return bad()
		}
		return &DLLRec{LibName: name}, nil
	case RecBSS:
		if len(body) != 4 {
			return bad()
		}
		return &BSSRec{Amount: binary.LittleEndian.Uint32(body)}, nil
	case RecModName:
		name, ok := getString(body)
		if !ok || len(name) >= ModNameMax {
			return bad()
		}
		return &ModNameRec{ModName: name}, nil
	case RecCommon:
		if len(body) < 10 {
			return bad()
		}
		label, ok := getString(body[8:])
		if !ok || len(label) >= LabelMax {
			return bad()
		}
		return &CommonRec{
			Segment: binary.LittleEndian.Uint16(body),
			Size:    binary.LittleEndian.Uint32(body[2:]),
			Align:   binary.LittleEndian.Uint16(body[6:]),
			Label:   label,
		}, nil
	case RecGeneric:
		if len(body) > GenericMax {
			return bad()
		}
		data := make([]byte, len(body))
		copy(data, body)
		return &GenericRec{Data: data}, nil
	}

	return nil, fmt.Errorf("record type %d: %w", tag, ErrUnknownRecord)
}
