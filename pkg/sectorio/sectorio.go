// Package sectorio implements byte-addressed reads and writes on top of
// sector-addressed block devices.
//
// Requests are translated to whole-sector operations that never straddle a
// cluster (ClusterSectors consecutive sectors, aligned to the start of the
// device). Unaligned writes are done as read-modify-write of the sectors at
// either end. Every sector operation is retried up to RetryCount times.
package sectorio

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/lsrcm/calkit/pkg/devices"
)

const (
	SectorSize     = devices.SectorSize
	ClusterSectors = 32
)

var (
	ErrOutOfRange      = errors.New("range outside of device")
	ErrPartialOverflow = errors.New("trailing partial write larger than a sector")
)

// Progress is called after every chunk with the bytes transferred so far and
// the total.
type Progress func(done, total int64)

// IO is a byte-addressable view of a BlockDevice of Size bytes.
type IO struct {
	Dev  devices.BlockDevice
	Size int64
	// Name is used in log and error messages.
	Name string
}

func New(dev devices.BlockDevice, size int64, name string) *IO {
	return &IO{
		Dev:  dev,
		Size: size,
		Name: name,
	}
}

func (d *IO) check(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > d.Size {
		return fmt.Errorf("%s: [0x%x, 0x%x) of 0x%x: %w", d.Name, offset, offset+length, d.Size, ErrOutOfRange)
	}
	return nil
}

func (d *IO) reporter(op string, sector uint64, count uint64) func(int, error) {
	return func(attempt int, err error) {
		glog.Warningf("%s: %s of sectors 0x%x+%d failed (attempt %d/%d): %v", d.Name, op, sector, count, attempt, RetryCount, err)
	}
}

// chunk returns how many of remaining sectors starting at sector fit before
// the next cluster boundary.
func chunk(sector, remaining uint64) uint64 {
	n := ClusterSectors - sector%ClusterSectors
	if n > remaining {
		n = remaining
	}
	return n
}

func (d *IO) readSector(sector uint64, buf []byte) error {
	err := Retry(RetryCount, func() error {
		return d.Dev.ReadSectors(sector, 1, buf)
	}, d.reporter("read", sector, 1))
	if err != nil {
		return fmt.Errorf("%s: could not read sector 0x%x: %w", d.Name, sector, err)
	}
	return nil
}

func (d *IO) writeSector(sector uint64, buf []byte) error {
	err := Retry(RetryCount, func() error {
		return d.Dev.WriteSectors(sector, 1, buf)
	}, d.reporter("write", sector, 1))
	if err != nil {
		return fmt.Errorf("%s: could not write sector 0x%x: %w", d.Name, sector, err)
	}
	return nil
}

// transfer runs op over buf (a whole number of sectors starting at sector)
// in cluster-respecting chunks. doneBase is added to the progress count.
func (d *IO) transfer(write bool, sector uint64, buf []byte, progress Progress, doneBase, total int64) error {
	op, name := d.Dev.ReadSectors, "read"
	if write {
		op, name = d.Dev.WriteSectors, "write"
	}
	remaining := uint64(len(buf) / SectorSize)
	pos := 0
	for remaining > 0 {
		n := chunk(sector, remaining)
		b := buf[pos : pos+int(n)*SectorSize]
		s := sector
		err := Retry(RetryCount, func() error {
			return op(s, uint32(n), b)
		}, d.reporter(name, s, n))
		if err != nil {
			return fmt.Errorf("%s: could not %s sectors 0x%x+%d: %w", d.Name, name, s, n, err)
		}
		glog.V(2).Infof("%s: %s sectors 0x%x+%d", d.Name, name, s, n)
		sector += n
		remaining -= n
		pos += len(b)
		if progress != nil {
			progress(doneBase+int64(pos), total)
		}
	}
	return nil
}

// ReadRange returns length bytes starting at offset.
func (d *IO) ReadRange(offset, length int64, progress Progress) ([]byte, error) {
	if err := d.check(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	first := uint64(offset / SectorSize)
	last := uint64((offset + length - 1) / SectorSize)
	scratch := make([]byte, (last-first+1)*SectorSize)
	if err := d.transfer(false, first, scratch, progress, 0, int64(len(scratch))); err != nil {
		return nil, err
	}
	start := offset % SectorSize
	return scratch[start : start+length], nil
}

// WriteRange writes data at offset. Sectors only partially covered by data
// are read back first so that their remaining bytes are preserved.
func (d *IO) WriteRange(offset int64, data []byte, progress Progress) error {
	total := int64(len(data))
	if err := d.check(offset, total); err != nil {
		return err
	}
	sector := uint64(offset / SectorSize)
	pos := 0

	if head := int(offset % SectorSize); head != 0 && len(data) > 0 {
		n := min(SectorSize-head, len(data))
		if err := d.patchSector(sector, head, data[:n]); err != nil {
			return err
		}
		pos += n
		sector += 1
		if progress != nil {
			progress(int64(pos), total)
		}
	}

	if whole := (len(data) - pos) / SectorSize; whole > 0 {
		end := pos + whole*SectorSize
		if err := d.transfer(true, sector, data[pos:end], progress, int64(pos), total); err != nil {
			return err
		}
		pos = end
		sector += uint64(whole)
	}

	if rest := len(data) - pos; rest > 0 {
		if rest > SectorSize {
			return fmt.Errorf("%s: %d bytes left at sector 0x%x: %w", d.Name, rest, sector, ErrPartialOverflow)
		}
		if err := d.patchSector(sector, 0, data[pos:]); err != nil {
			return err
		}
		if progress != nil {
			progress(total, total)
		}
	}
	return nil
}

func (d *IO) patchSector(sector uint64, at int, data []byte) error {
	buf := make([]byte, SectorSize)
	if err := d.readSector(sector, buf); err != nil {
		return err
	}
	copy(buf[at:], data)
	return d.writeSector(sector, buf)
}

// ReadAt implements io.ReaderAt.
func (d *IO) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := int64(len(p))
	if off+n > d.Size {
		n = d.Size - off
	}
	if n <= 0 {
		return 0, io.EOF
	}
	b, err := d.ReadRange(off, n, nil)
	if err != nil {
		return 0, err
	}
	copy(p, b)
	if int(n) < len(p) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt implements io.WriterAt.
func (d *IO) WriteAt(p []byte, off int64) (int, error) {
	if err := d.WriteRange(off, p, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}
