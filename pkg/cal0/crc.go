package cal0

import (
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

// crcTable is CRC-16/ARC with the register preset to 0x55AA. The preset is
// a bit palindrome, so it is the same in the reflected and plain domain.
var crcTable = crc16.MakeTable(crc16.Params{
	Poly:   0x8005,
	Init:   0x55aa,
	RefIn:  true,
	RefOut: true,
	XorOut: 0x0000,
	Name:   "CRC-16/CAL0",
})

func CRC16(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// ComputeChecksum calculates the CRC of f as stored in r.
func ComputeChecksum(r io.ReaderAt, f Field) (uint16, error) {
	b, err := ReadField(r, f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Name, err)
	}
	return CRC16(b), nil
}

// ValidateChecksum compares the CRC of f with the one stored after it.
func ValidateChecksum(r io.ReaderAt, f Field) error {
	got, err := ComputeChecksum(r, f)
	if err != nil {
		return err
	}
	want, err := readU16(r, f.CRCOffset())
	if err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	if got != want {
		return fmt.Errorf("%s: %w (stored 0x%04x, computed 0x%04x)", f.Name, ErrChecksum, want, got)
	}
	return nil
}

// WriteChecksum recomputes and stores the CRC of f.
func WriteChecksum(rw Store, f Field) error {
	crc, err := ComputeChecksum(rw, f)
	if err != nil {
		return err
	}
	if err := writeU16(rw, f.CRCOffset(), crc); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	return nil
}
