package partition

import (
	"github.com/mitchellh/go-fs"
	"github.com/mitchellh/go-fs/fat"

	"github.com/lsrcm/calkit/pkg/devices"
)

// volume presents a session to go-fs.
type volume struct {
	s *Session
}

// Volume returns the session as a go-fs block device, for formatting or
// mounting by hand.
func (s *Session) Volume() fs.BlockDevice {
	return &volume{s: s}
}

// Close is a no-op, the session owns the underlying device.
func (v *volume) Close() error {
	return nil
}

func (v *volume) Len() int64 {
	return v.s.Size
}

func (v *volume) SectorSize() int {
	return devices.SectorSize
}

func (v *volume) ReadAt(p []byte, off int64) (int, error) {
	if v.s.IO == nil {
		return 0, ErrClosed
	}
	return v.s.IO.ReadAt(p, off)
}

func (v *volume) WriteAt(p []byte, off int64) (int, error) {
	if v.s.IO == nil {
		return 0, ErrClosed
	}
	return v.s.IO.WriteAt(p, off)
}

// Format creates a FAT volume spanning the session.
func (s *Session) Format(label string, typ fat.FATType) error {
	return fat.FormatSuperFloppy(s.Volume(), &fat.SuperFloppyConfig{
		FATType: typ,
		Label:   label,
		OEMName: "calkit",
	})
}
