package rdoff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Library is a flat archive of named modules. The underlying file is
// opened lazily and shared, by reference count, with every module opened
// out of it; it closes once the last such module is released.
type Library struct {
	Name   string
	shared *sharedFile
}

func NewLibrary(name string) *Library {
	return &Library{Name: name}
}

// verdicts caches Verify results per path so a library referenced several
// times is scanned once.
var verdicts = make(map[string]error)

// Verify scans every member of the archive sequentially, checking each
// ordinary member's magic and version without keeping any data resident.
func Verify(path string) error {
	if err, ok := verdicts[path]; ok {
		return err
	}
	err := verify(path)
	verdicts[path] = err
	return err
}

func verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		name, err := readName(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, ErrFormat)
		}

		tag := make([]byte, 6)
		if _, err := io.ReadFull(f, tag); err != nil {
			return fmt.Errorf("%s: %w", path, ErrFormat)
		}
		if name[0] != '.' {
			if string(tag[:5]) != Magic[:5] {
				return fmt.Errorf("%s(%s): %w", path, name, ErrFormat)
			}
			if tag[5] != Magic[5] {
				return fmt.Errorf("%s(%s): %w", path, name, ErrVersion)
			}
		}

		length, err := readU32(f)
		if err != nil {
			return fmt.Errorf("%s: %w", path, ErrFormat)
		}
		if _, err := f.Seek(int64(length), io.SeekCurrent); err != nil {
			return fmt.Errorf("%s: %w", path, ErrFormat)
		}
	}
}

func (l *Library) open() error {
	if l.shared != nil && l.shared.f != nil {
		return nil
	}
	f, err := os.Open(l.Name)
	if err != nil {
		return err
	}
	l.shared = &sharedFile{f: f}
	return nil
}

// OpenModule opens the n'th ordinary member. Reserved members, whose names
// begin with '.', such as an embedded directory, do not count.
func (l *Library) OpenModule(n int) (*File, error) {
	if err := l.open(); err != nil {
		return nil, err
	}
	l.shared.acquire()
	defer l.shared.release()

	if _, err := l.shared.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	i := 0
	for {
		name, err := readName(l.shared.f)
		if err == io.EOF {
			return nil, fmt.Errorf("%s: %w", l.Name, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name, ErrFormat)
		}

		if name[0] != '.' {
			if i == n {
				return OpenHere(l.shared, name)
			}
			i++
		}
		if err := l.skipMember(); err != nil {
			return nil, err
		}
	}
}

// SearchBySymbol scans members until one exports the named symbol and
// returns that member with its header loaded and rewound, or ErrNotFound.
func (l *Library) SearchBySymbol(symbol string) (*File, error) {
	if err := l.open(); err != nil {
		return nil, err
	}
	l.shared.acquire()
	defer l.shared.release()

	if _, err := l.shared.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	for {
		name, err := readName(l.shared.f)
		if err == io.EOF {
			return nil, fmt.Errorf("%s: %w", l.Name, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name, ErrFormat)
		}

		if name[0] == '.' {
			if err := l.skipMember(); err != nil {
				return nil, err
			}
			continue
		}

		f, err := OpenHere(l.shared, name)
		if err != nil {
			return nil, err
		}
		if _, err := f.LoadSegment(HeaderSegment); err != nil {
			f.Close()
			return nil, err
		}

		found := false
		for {
			rec, err := f.GetHeaderRec()
			if err != nil {
				f.Close()
				return nil, err
			}
			if rec == nil {
				break
			}
			if e, ok := rec.(*ExportRec); ok && e.Label == symbol {
				found = true
				break
			}
		}
		if found {
			f.HeaderRewind()
			return f, nil
		}

		end := f.eofOfs
		f.Close()
		if _, err := l.shared.f.Seek(end, io.SeekStart); err != nil {
			return nil, err
		}
	}
}

// skipMember steps over one member body: a 6-byte magic or extension tag,
// a 4-byte length, then that many opaque bytes.
func (l *Library) skipMember() error {
	var b [10]byte
	if _, err := io.ReadFull(l.shared.f, b[:]); err != nil {
		return fmt.Errorf("%s: %w", l.Name, ErrFormat)
	}
	length := binary.LittleEndian.Uint32(b[6:])
	if _, err := l.shared.f.Seek(int64(length), io.SeekCurrent); err != nil {
		return fmt.Errorf("%s: %w", l.Name, ErrFormat)
	}
	return nil
}

// readName reads a member's NUL-terminated name. A clean EOF before the
// first byte means the end of the archive.
func readName(r io.Reader) (string, error) {
	var name []byte
	buf := make([]byte, 1)
	for {
		if _, err := r.Read(buf); err != nil {
			if err == io.EOF && len(name) == 0 {
				return "", io.EOF
			}
			return "", errors.New("unterminated member name")
		}
		if buf[0] == 0 {
			if len(name) == 0 {
				return "", errors.New("empty member name")
			}
			return string(name), nil
		}
		if len(name) >= ModNameMax {
			return "", errors.New("member name too long")
		}
		name = append(name, buf[0])
	}
}
