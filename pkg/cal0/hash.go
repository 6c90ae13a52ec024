package cal0

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
)

// RegionSize returns the length of h in r.
func RegionSize(r io.ReaderAt, h HashRegion) (int64, error) {
	if h.SizeOffset == 0 {
		return h.MaxSize, nil
	}
	size, err := readU32(r, h.SizeOffset)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", h.Name, err)
	}
	if (size == 0 && !h.AllowEmpty) || int64(size) > h.MaxSize {
		return 0, fmt.Errorf("%s: %w: 0x%x", h.Name, ErrBadSize, size)
	}
	return int64(size), nil
}

// ComputeHash returns the SHA-256 of h as stored in r.
func ComputeHash(r io.ReaderAt, h HashRegion) ([]byte, error) {
	size, err := RegionSize(r, h)
	if err != nil {
		return nil, err
	}
	b, err := readBytes(r, h.Offset, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.Name, err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// WriteHash recomputes and stores the hash of h.
func WriteHash(rw Store, h HashRegion) error {
	sum, err := ComputeHash(rw, h)
	if err != nil {
		return err
	}
	if err := writeBytes(rw, h.HashOffset, sum); err != nil {
		return fmt.Errorf("%s: %w", h.Name, err)
	}
	return nil
}

// VerifyHash compares the hash of h with the stored one.
func VerifyHash(r io.ReaderAt, h HashRegion) error {
	got, err := ComputeHash(r, h)
	if err != nil {
		return err
	}
	want, err := readBytes(r, h.HashOffset, sha256.Size)
	if err != nil {
		return fmt.Errorf("%s: %w", h.Name, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%s: %w", h.Name, ErrHashMismatch)
	}
	return nil
}
