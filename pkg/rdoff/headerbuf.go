package rdoff

import (
	"encoding/binary"
	"io"
)

const headerBlockLen = 4096

// headerBlock is one fixed-size link in the output header chain. The final
// header length is unknown until every record has been added, so records
// accumulate in memory and are dumped behind the computed lengths at the
// very end.
type headerBlock struct {
	used int
	data [headerBlockLen]byte
	next *headerBlock
}

// HeaderBuf accumulates the output module's header records and the lengths
// of the segment blocks that will follow them.
type HeaderBuf struct {
	head, tail *headerBlock
	length     uint32 // total bytes of buffered records
	segBytes   uint32 // total bytes of declared segment blocks
}

func NewHeaderBuf() *HeaderBuf {
	b := &headerBlock{}
	return &HeaderBuf{head: b, tail: b}
}

// AddRecord encodes one record onto the end of the chain.
func (h *HeaderBuf) AddRecord(r Record) error {
	body, err := r.body()
	if err != nil {
		return err
	}

	h.append([]byte{r.Tag(), uint8(len(body))})
	h.append(body)
	return nil
}

func (h *HeaderBuf) append(b []byte) {
	h.length += uint32(len(b))
	for len(b) > 0 {
		if h.tail.used == headerBlockLen {
			h.tail.next = &headerBlock{}
			h.tail = h.tail.next
		}
		n := copy(h.tail.data[h.tail.used:], b)
		h.tail.used += n
		b = b[n:]
	}
}

// AddSegment declares one segment block of the given content length that
// the caller will write after the header.
func (h *HeaderBuf) AddSegment(length uint32) {
	h.segBytes += 10 + length
}

// HeaderLen returns the total record bytes buffered so far.
func (h *HeaderBuf) HeaderLen() uint32 {
	return h.length
}

// WriteHeader writes the magic, the object content length, the header
// length and the buffered records. The content length counts every byte
// that follows the field itself: the header-length word, the header, the
// declared segment blocks and the trailing null segment.
func (h *HeaderBuf) WriteHeader(w io.Writer) error {
	if _, err := w.Write([]byte(Magic)); err != nil {
		return err
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 4+h.length+h.segBytes+10)
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[:], h.length)
	if _, err := w.Write(b[:]); err != nil {
		return err
	}

	for blk := h.head; blk != nil; blk = blk.next {
		if _, err := w.Write(blk.data[:blk.used]); err != nil {
			return err
		}
	}
	return nil
}

// WriteSegment writes one segment block: type, number, reserved, length,
// then the content.
func WriteSegment(w io.Writer, typ, number, reserved uint16, data []byte) error {
	var b [10]byte
	binary.LittleEndian.PutUint16(b[0:], typ)
	binary.LittleEndian.PutUint16(b[2:], number)
	binary.LittleEndian.PutUint16(b[4:], reserved)
	binary.LittleEndian.PutUint32(b[6:], uint32(len(data)))
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteNullSegment terminates the segment list.
func WriteNullSegment(w io.Writer) error {
	var b [10]byte
	_, err := w.Write(b[:])
	return err
}
