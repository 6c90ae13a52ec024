package partition

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-fs/fat"

	"github.com/lsrcm/calkit/pkg/bis"
	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/keys"
	"github.com/lsrcm/calkit/pkg/sectorio"
)

var (
	ErrNotFound            = errors.New("partition not found")
	ErrBadCalibrationMagic = errors.New("bad calibration magic, wrong BIS keys?")
	ErrMount               = errors.New("could not mount filesystem")
	ErrClosed              = errors.New("session closed")
)

// Options select what Open acquires.
type Options struct {
	// OpenDevice initializes the storage first. Leave unset when the
	// storage is kept initialized across sessions.
	OpenDevice bool
	// Decrypt binds the BIS cipher of encrypted partitions. Without it,
	// their raw ciphertext is accessed.
	Decrypt bool
	// MountFilesystem mounts the FAT volume of partitions that have one.
	MountFilesystem bool
	// VerifyCalibrationMagic checks the CAL0 magic when opening PRODINFO
	// with Decrypt.
	VerifyCalibrationMagic bool
}

// CloseOptions select what Close releases. Releasing always happens in the
// order filesystem, cipher, device.
type CloseOptions struct {
	Filesystem bool
	Cipher     bool
	Device     bool
}

// CloseAll releases everything a session holds.
var CloseAll = CloseOptions{Filesystem: true, Cipher: true, Device: true}

type resource int

const (
	device resource = iota
	cipherContext
	filesystem
)

func (r resource) String() string {
	switch r {
	case device:
		return "device"
	case cipherContext:
		return "cipher"
	case filesystem:
		return "filesystem"
	}
	return "unknown"
}

type binding struct {
	res     resource
	release func() error
}

// guard keeps track of what a session acquired, so that it can be released
// in reverse order on any exit path.
type guard struct {
	held []binding
}

func (g *guard) acquire(res resource, release func() error) {
	g.held = append(g.held, binding{res, release})
}

func (g *guard) holds(res resource) bool {
	for _, b := range g.held {
		if b.res == res {
			return true
		}
	}
	return false
}

func (g *guard) release(res resource) error {
	for i := len(g.held) - 1; i >= 0; i-- {
		b := g.held[i]
		if b.res != res {
			continue
		}
		g.held = append(g.held[:i], g.held[i+1:]...)
		if err := b.release(); err != nil {
			return fmt.Errorf("could not release %s: %w", res, err)
		}
		return nil
	}
	return nil
}

func (g *guard) unwind() error {
	var errs error
	for len(g.held) > 0 {
		if err := g.release(g.held[len(g.held)-1].res); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Session is an open partition.
type Session struct {
	Name string
	Mode Addressing
	// Size in bytes.
	Size int64
	// IO reads and writes the partition, through the cipher if one is
	// bound.
	IO *sectorio.IO
	// FS is the mounted volume, if any.
	FS *fat.FileSystem

	storage devices.Storage
	cipher  *bis.Cipher
	guard   guard
}

// Open opens the named partition of st. On failure, everything acquired so
// far is released again.
func Open(st devices.Storage, ks *keys.KeySet, name string, opts Options) (*Session, error) {
	s := &Session{
		Name:    name,
		storage: st,
	}
	fail := func(err error) (*Session, error) {
		if uerr := s.guard.unwind(); uerr != nil {
			glog.Errorf("%s: while releasing after failed open: %v", name, uerr)
		}
		return nil, err
	}

	if opts.OpenDevice {
		if err := st.Init(); err != nil {
			return nil, fmt.Errorf("could not initialize storage: %w", err)
		}
		s.guard.acquire(device, st.End)
	}

	var dev devices.BlockDevice
	switch name {
	case Boot0, Boot1:
		hw := devices.Boot0
		if name == Boot1 {
			hw = devices.Boot1
		}
		if err := st.SetPartition(hw); err != nil {
			return fail(fmt.Errorf("could not select %s: %w", hw, err))
		}
		s.Mode = BootArea
		s.Size = devices.BootSize(st)
		dev = st
	default:
		t, err := ReadTable(st)
		if err != nil {
			return fail(err)
		}
		p := t.Find(name)
		if p == nil {
			return fail(fmt.Errorf("%w: %s", ErrNotFound, name))
		}
		s.Mode = PlainGPT
		s.Size = p.Size()
		dev = &window{dev: st, first: p.FirstLBA, sectors: p.Sectors()}
		glog.V(1).Infof("%s: %s", name, p)

		if IsEncrypted(name) {
			s.Mode = EncryptedGPT
			if opts.Decrypt {
				k, err := BISKey(ks, name)
				if err != nil {
					return fail(fmt.Errorf("%s: %w", name, err))
				}
				c, err := bis.New(k)
				if err != nil {
					return fail(fmt.Errorf("%s: could not set up cipher: %w", name, err))
				}
				s.cipher = c
				dev = &bis.Device{Raw: dev, Cipher: c}
				s.guard.acquire(cipherContext, func() error {
					s.cipher = nil
					s.IO = nil
					return nil
				})
			}
		}
	}
	s.IO = sectorio.New(dev, s.Size, name)

	if opts.VerifyCalibrationMagic && name == ProdInfo && s.cipher != nil {
		b, err := s.IO.ReadRange(0, 4, nil)
		if err != nil {
			return fail(err)
		}
		if magic := binary.LittleEndian.Uint32(b); magic != cal0.Magic {
			return fail(fmt.Errorf("%s: %w (0x%08x)", name, ErrBadCalibrationMagic, magic))
		}
	}

	if opts.MountFilesystem && HasFilesystem(name) {
		if IsEncrypted(name) && s.cipher == nil {
			return fail(fmt.Errorf("%s: %w: volume is encrypted", name, ErrMount))
		}
		fsys, err := fat.New(s.Volume())
		if err != nil {
			return fail(fmt.Errorf("%s: %w: %w", name, ErrMount, err))
		}
		s.FS = fsys
		s.guard.acquire(filesystem, func() error {
			s.FS = nil
			return nil
		})
	}

	glog.Infof("Opened %s (%s, 0x%x bytes)", name, s.Mode, s.Size)
	return s, nil
}

// EncryptionBound reports whether I/O goes through a cipher.
func (s *Session) EncryptionBound() bool {
	return s.guard.holds(cipherContext)
}

// FilesystemBound reports whether a volume is mounted.
func (s *Session) FilesystemBound() bool {
	return s.guard.holds(filesystem)
}

// Close releases what opts select, filesystem first and device last. A
// session without its cipher or device must not be used for I/O anymore.
func (s *Session) Close(opts CloseOptions) error {
	var errs error
	for _, c := range []struct {
		want bool
		res  resource
	}{
		{opts.Filesystem, filesystem},
		{opts.Cipher, cipherContext},
		{opts.Device, device},
	} {
		if !c.want {
			continue
		}
		if err := s.guard.release(c.res); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if opts.Device {
		s.IO = nil
	}
	if errs != nil {
		return fmt.Errorf("%s: %w", s.Name, errs)
	}
	return nil
}
