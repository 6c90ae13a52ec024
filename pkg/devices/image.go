package devices

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
)

// Image is a Storage backed by a hekate-style eMMC backup directory: BOOT0,
// BOOT1 and rawnand.bin (the GPP).
type Image struct {
	Dir      string
	ReadOnly bool
	// SerialNumber is reported by Serial, as images carry no CID.
	SerialNumber uint32

	files   [3]*os.File
	sizes   [3]int64
	current HWPartition
}

var imageNames = map[HWPartition]string{
	User:  "rawnand.bin",
	Boot0: "BOOT0",
	Boot1: "BOOT1",
}

func (i *Image) Init() error {
	flag := os.O_RDWR
	if i.ReadOnly {
		flag = os.O_RDONLY
	}
	for p, name := range imageNames {
		f, err := os.OpenFile(filepath.Join(i.Dir, name), flag, 0)
		if err != nil {
			i.End()
			return fmt.Errorf("could not open %s image: %w", p, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			i.End()
			return fmt.Errorf("could not stat %s image: %w", p, err)
		}
		i.files[p] = f
		i.sizes[p] = st.Size()
	}
	if i.sizes[Boot0]%BootUnit != 0 || i.sizes[Boot0] != i.sizes[Boot1] {
		glog.Warningf("Boot partition images have unexpected sizes (%d, %d)", i.sizes[Boot0], i.sizes[Boot1])
	}
	i.current = User
	return nil
}

func (i *Image) End() error {
	var errs error
	for p, f := range i.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		i.files[p] = nil
	}
	return errs
}

func (i *Image) SetPartition(p HWPartition) error {
	if int(p) >= len(i.files) {
		return fmt.Errorf("invalid hardware partition %d", p)
	}
	i.current = p
	return nil
}

func (i *Image) Sectors() uint64 {
	return uint64(i.sizes[i.current]) / SectorSize
}

func (i *Image) BootMultiplier() uint8 {
	return uint8(i.sizes[Boot0] / BootUnit)
}

func (i *Image) Serial() uint32 {
	return i.SerialNumber
}

func (i *Image) rangeFor(sector uint64, count uint32, buf []byte) (*os.File, int64, error) {
	f := i.files[i.current]
	if f == nil {
		return nil, 0, ErrNotInitialized
	}
	if len(buf) != int(count)*SectorSize {
		return nil, 0, fmt.Errorf("buffer is %d bytes, want %d", len(buf), int(count)*SectorSize)
	}
	if sector+uint64(count) > i.Sectors() {
		return nil, 0, ErrOutOfRange
	}
	return f, int64(sector) * SectorSize, nil
}

func (i *Image) ReadSectors(sector uint64, count uint32, buf []byte) error {
	f, off, err := i.rangeFor(sector, count, buf)
	if err != nil {
		return err
	}
	if _, err := f.ReadAt(buf, off); err != nil {
		return fmt.Errorf("read of %s sector %d failed: %w", i.current, sector, err)
	}
	return nil
}

func (i *Image) WriteSectors(sector uint64, count uint32, buf []byte) error {
	if i.ReadOnly {
		return fmt.Errorf("%s: %w", i.Dir, ErrReadOnly)
	}
	f, off, err := i.rangeFor(sector, count, buf)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write of %s sector %d failed: %w", i.current, sector, err)
	}
	return nil
}
