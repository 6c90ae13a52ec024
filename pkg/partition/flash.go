package partition

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/keys"
	"github.com/lsrcm/calkit/pkg/sectorio"
	"github.com/lsrcm/calkit/pkg/store"
)

var (
	ErrEmptyFile = errors.New("file is empty")
	ErrTooLarge  = errors.New("file larger than partition")
	ErrUnaligned = errors.New("size is not a multiple of the sector size")
)

// Direction of a FlashOrDump transfer.
type Direction int

const (
	Dump Direction = iota
	Flash
)

func (d Direction) String() string {
	if d == Flash {
		return "flash"
	}
	return "dump"
}

// CopyChunk is how much FlashOrDump moves per sector range operation.
const CopyChunk = 4 << 20

// FlashOrDump copies the named partition to path, or path to the partition.
// With fileIsEncrypted, BIS partitions are copied as raw ciphertext;
// otherwise they go through their cipher, PRODINFO must carry a valid
// calibration magic and a plaintext record flashed to it must verify before
// anything is transferred. Paths ending in .xz are compressed.
func FlashOrDump(st devices.Storage, ks *keys.KeySet, dir Direction, path, name string, fileIsEncrypted bool, progress sectorio.Progress) (err error) {
	var (
		in   io.ReadCloser
		size int64
	)
	if dir == Flash {
		in, size, err = store.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if size == 0 {
			return fmt.Errorf("%s: %w", path, ErrEmptyFile)
		}
		if size%devices.SectorSize != 0 {
			return fmt.Errorf("%s: %w", path, ErrUnaligned)
		}
	}

	s, err := Open(st, ks, name, Options{
		OpenDevice:             true,
		Decrypt:                !fileIsEncrypted,
		VerifyCalibrationMagic: !fileIsEncrypted,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(CloseAll); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	switch dir {
	case Flash:
		if size > s.Size {
			return fmt.Errorf("%s: 0x%x bytes into 0x%x: %w", name, size, s.Size, ErrTooLarge)
		}
		var src io.Reader = in
		if name == ProdInfo && !fileIsEncrypted {
			if src, err = verifiedRecord(path, in, size); err != nil {
				return err
			}
		}
		glog.Infof("Flashing %s (0x%x bytes) to %s", path, size, name)
		return flash(s, src, size, progress)
	default:
		if s.Size%devices.SectorSize != 0 {
			return fmt.Errorf("%s: %w", name, ErrUnaligned)
		}
		glog.Infof("Dumping %s (0x%x bytes) to %s", name, s.Size, path)
		return dump(s, path, progress)
	}
}

// verifiedRecord reads the calibration record at the start of in and checks
// it. The returned reader yields the whole of in again.
func verifiedRecord(path string, in io.Reader, size int64) (io.Reader, error) {
	if size < cal0.CalibrationSize {
		return nil, fmt.Errorf("%s: 0x%x bytes is shorter than a calibration record: %w", path, size, store.ErrUntrusted)
	}
	head := make([]byte, cal0.CalibrationSize)
	if _, err := io.ReadFull(in, head); err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	if !cal0.Verify(cal0.Record(head)) {
		return nil, fmt.Errorf("%s: %w", path, store.ErrUntrusted)
	}
	return io.MultiReader(bytes.NewReader(head), in), nil
}

func flash(s *Session, in io.Reader, size int64, progress sectorio.Progress) error {
	buf := make([]byte, CopyChunk)
	for off := int64(0); off < size; {
		n := min(int64(CopyChunk), size-off)
		if _, err := io.ReadFull(in, buf[:n]); err != nil {
			return fmt.Errorf("could not read input at 0x%x: %w", off, err)
		}
		if err := s.IO.WriteRange(off, buf[:n], nil); err != nil {
			return err
		}
		off += n
		if progress != nil {
			progress(off, size)
		}
	}
	return nil
}

func dump(s *Session, path string, progress sectorio.Progress) error {
	out, err := store.Create(path)
	if err != nil {
		return err
	}
	for off := int64(0); off < s.Size; {
		n := min(int64(CopyChunk), s.Size-off)
		b, err := s.IO.ReadRange(off, n, nil)
		if err != nil {
			out.Abort()
			return err
		}
		if _, err := out.Write(b); err != nil {
			out.Abort()
			return fmt.Errorf("could not write output: %w", err)
		}
		off += n
		if progress != nil {
			progress(off, s.Size)
		}
	}
	return out.Commit()
}
