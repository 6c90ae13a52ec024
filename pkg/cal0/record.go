// Package cal0 implements the console calibration record (CAL0, stored at
// the start of PRODINFO): its field layout, the CRC16 and SHA-256 integrity
// checks, extended key sealing, building records from scratch or a donor and
// blanking personal data.
//
// Every operation works on a Store, which is satisfied both by an in-memory
// Record and by a sectorio.IO bound to a PRODINFO partition session.
package cal0

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrBadMagic     = errors.New("bad CAL0 magic")
	ErrBadSize      = errors.New("invalid declared size")
	ErrChecksum     = errors.New("checksum mismatch")
	ErrHashMismatch = errors.New("hash verification failed")
)

// Store is anything a record can be read from and patched in.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

// Record is an in-memory calibration record.
type Record []byte

func (r Record) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r)) {
		return 0, io.EOF
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r Record) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r)) {
		return 0, fmt.Errorf("write of %d bytes at 0x%x outside of record", len(p), off)
	}
	return copy(r[off:], p), nil
}

type Header struct {
	Magic       uint32
	Version     uint32
	BodySize    uint32
	Model       uint16
	UpdateCount uint16
	Reserved    [0x10]byte
	BodyHash    [0x20]byte
}

// ReadHeader reads and checks the record header.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	b, err := readBytes(r, 0, BodyOffset)
	if err != nil {
		return nil, err
	}
	var h Header
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("could not parse header: %w", err)
	}
	if h.Magic != Magic {
		return &h, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	return &h, nil
}

func readBytes(r io.ReaderAt, off, n int64) ([]byte, error) {
	b := make([]byte, n)
	if _, err := r.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("could not read 0x%x bytes at 0x%x: %w", n, off, err)
	}
	return b, nil
}

func readU16(r io.ReaderAt, off int64) (uint16, error) {
	b, err := readBytes(r, off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func readU32(r io.ReaderAt, off int64) (uint32, error) {
	b, err := readBytes(r, off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func writeBytes(w io.WriterAt, off int64, b []byte) error {
	if _, err := w.WriteAt(b, off); err != nil {
		return fmt.Errorf("could not write 0x%x bytes at 0x%x: %w", len(b), off, err)
	}
	return nil
}

func writeU16(w io.WriterAt, off int64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return writeBytes(w, off, b[:])
}

func writeU32(w io.WriterAt, off int64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return writeBytes(w, off, b[:])
}

// ReadField returns the contents of f, without its checksum.
func ReadField(r io.ReaderAt, f Field) ([]byte, error) {
	return readBytes(r, f.Offset, f.Size)
}

// cString returns b up to the first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
