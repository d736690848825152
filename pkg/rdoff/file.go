package rdoff

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// sharedFile is the stream underlying one or more open modules. A module
// inside a library shares the library's stream, so the stream is closed
// only when the last referencing module is released.
type sharedFile struct {
	f    *os.File
	refs int
}

func (s *sharedFile) acquire() { s.refs++ }

func (s *sharedFile) release() error {
	s.refs--
	if s.refs > 0 {
		return nil
	}
	f := s.f
	s.f = nil
	return f.Close()
}

// Segment is one segment block as declared in a module.
type Segment struct {
	Type     uint16
	Number   uint16
	Reserved uint16
	Length   uint32
	offset   int64 // file offset of the segment's content
}

// File is an open object module: a handle on the underlying stream plus
// the parsed segment map and header geometry.
type File struct {
	Name      string
	Segs      []Segment
	HeaderLen uint32

	shared    *sharedFile
	headerOfs int64
	eofOfs    int64 // file offset just past this module's null segment

	header    []byte // loaded header records, nil until loaded
	headerPos int
}

// Open opens a standalone object module and parses its segment map.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	shared := &sharedFile{f: osf}
	f, err := OpenHere(shared, path)
	if err != nil {
		osf.Close()
		return nil, err
	}
	return f, nil
}

// OpenHere opens a module at the current position of an already-open
// stream, taking a reference on it. It is how library members are opened
// without duplicating the library's file handle.
func OpenHere(shared *sharedFile, name string) (*File, error) {
	f := &File{Name: name, shared: shared}
	if err := f.parse(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	shared.acquire()
	return f, nil
}

func (f *File) parse() error {
	r := f.shared.f

	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return ErrFormat
	}
	if string(magic[:5]) != Magic[:5] {
		return ErrFormat
	}
	if magic[5] != Magic[5] {
		return ErrVersion
	}

	// Object content length; the segment scan below recomputes the module
	// end, so the field is only read past here.
	if _, err := readU32(r); err != nil {
		return ErrFormat
	}

	hlen, err := readU32(r)
	if err != nil {
		return ErrFormat
	}
	f.HeaderLen = hlen

	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	f.headerOfs = pos

	if pos, err = r.Seek(int64(hlen), io.SeekCurrent); err != nil {
		return err
	}

	for {
		typ, err := readU16(r)
		if err != nil {
			return ErrFormat
		}
		if typ == 0 {
			// null segment: consume number, reserved and length
			if _, err := io.CopyN(io.Discard, r, 8); err != nil {
				return ErrFormat
			}
			break
		}
		if len(f.Segs) == MaxSegs {
			return ErrSegments
		}

		var seg Segment
		seg.Type = typ
		if seg.Number, err = readU16(r); err != nil {
			return ErrFormat
		}
		if seg.Reserved, err = readU16(r); err != nil {
			return ErrFormat
		}
		if seg.Length, err = readU32(r); err != nil {
			return ErrFormat
		}
		seg.offset = pos + 10
		f.Segs = append(f.Segs, seg)

		if pos, err = r.Seek(int64(seg.Length), io.SeekCurrent); err != nil {
			return ErrFormat
		}
	}

	if f.eofOfs, err = r.Seek(0, io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

// Close releases the module's reference on the underlying stream.
func (f *File) Close() error {
	if f.shared == nil {
		return nil
	}
	s := f.shared
	f.shared = nil
	return s.release()
}

// LoadSegment reads the raw content of segment n (an index into Segs), or
// of the header when n is HeaderSegment. Loading the header (re)positions
// the record cursor at the first record.
func (f *File) LoadSegment(n int) ([]byte, error) {
	if n == HeaderSegment {
		b, err := f.readAt(f.headerOfs, int(f.HeaderLen))
		if err != nil {
			return nil, err
		}
		f.header = b
		f.headerPos = 0
		return b, nil
	}

	if n < 0 || n >= len(f.Segs) {
		return nil, fmt.Errorf("%s: no such segment %d", f.Name, n)
	}
	return f.readAt(f.Segs[n].offset, int(f.Segs[n].Length))
}

func (f *File) readAt(ofs int64, n int) ([]byte, error) {
	if _, err := f.shared.f.Seek(ofs, io.SeekStart); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(f.shared.f, b); err != nil {
		return nil, err
	}
	return b, nil
}

// FindSegment returns the index of the segment declared with the given
// segment number, or -1.
func (f *File) FindSegment(number uint16) int {
	for i := range f.Segs {
		if f.Segs[i].Number == number {
			return i
		}
	}
	return -1
}

// HeaderRewind repositions the record cursor at the first header record.
func (f *File) HeaderRewind() {
	f.headerPos = 0
}

// GetHeaderRec returns the next header record, or nil once the header is
// exhausted. The header must have been loaded with LoadSegment.
func (f *File) GetHeaderRec() (Record, error) {
	if f.header == nil {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrHeader)
	}
	if f.headerPos == len(f.header) {
		return nil, nil
	}
	if len(f.header)-f.headerPos < 2 {
		return nil, fmt.Errorf("%s: truncated record: %w", f.Name, ErrRecord)
	}

	tag := f.header[f.headerPos]
	reclen := int(f.header[f.headerPos+1])
	if f.headerPos+2+reclen > len(f.header) {
		return nil, fmt.Errorf("%s: truncated record: %w", f.Name, ErrRecord)
	}

	rec, err := decodeRecord(tag, f.header[f.headerPos+2:f.headerPos+2+reclen])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name, err)
	}
	f.headerPos += 2 + reclen
	return rec, nil
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
