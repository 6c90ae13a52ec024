// Package partition opens named eMMC partitions of a console as
// byte-addressable sessions: the two boot partitions, and the GPT partitions
// of the user area, optionally through their BIS encryption and with their
// FAT filesystem mounted.
package partition

import (
	"fmt"

	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/gpt"
	"github.com/lsrcm/calkit/pkg/keys"
	"github.com/lsrcm/calkit/pkg/sectorio"
)

const (
	Boot0     = "BOOT0"
	Boot1     = "BOOT1"
	ProdInfo  = "PRODINFO"
	ProdInfoF = "PRODINFOF"
	Safe      = "SAFE"
	System    = "SYSTEM"
	User      = "USER"
)

// Addressing is how a session reaches its partition.
type Addressing int

const (
	// BootArea is a whole eMMC boot partition.
	BootArea Addressing = iota
	// PlainGPT is a GPT partition of the user area.
	PlainGPT
	// EncryptedGPT is a BIS encrypted GPT partition of the user area.
	EncryptedGPT
)

func (a Addressing) String() string {
	switch a {
	case BootArea:
		return "boot area"
	case PlainGPT:
		return "plain GPT"
	case EncryptedGPT:
		return "encrypted GPT"
	}
	return fmt.Sprintf("Addressing(%d)", int(a))
}

// bisKeys maps encrypted partitions to the BIS key they are encrypted with.
var bisKeys = map[string]int{
	ProdInfo:  0,
	ProdInfoF: 0,
	Safe:      1,
	System:    2,
	User:      3,
}

var filesystems = map[string]bool{
	ProdInfoF: true,
	Safe:      true,
	System:    true,
	User:      true,
}

// IsEncrypted reports whether the named partition is BIS encrypted.
func IsEncrypted(name string) bool {
	_, ok := bisKeys[name]
	return ok
}

// HasFilesystem reports whether the named partition carries a FAT volume.
func HasFilesystem(name string) bool {
	return filesystems[name]
}

// BISKey returns the key pair the named partition is encrypted with. USER
// falls back to the SYSTEM key when bis_key_03 is absent, which is how
// older key dumps ship.
func BISKey(ks *keys.KeySet, name string) (keys.BISKey, error) {
	i, ok := bisKeys[name]
	if !ok {
		return keys.BISKey{}, fmt.Errorf("%s is not encrypted", name)
	}
	if i == 3 && ks.BIS[3].IsZero() {
		i = 2
	}
	return ks.BISKey(i)
}

// window exposes a span of sectors of a device as a device of its own.
type window struct {
	dev     devices.BlockDevice
	first   uint64
	sectors uint64
}

func (w *window) check(sector uint64, count uint32) error {
	if sector+uint64(count) > w.sectors {
		return fmt.Errorf("sectors 0x%x+%d of 0x%x: %w", sector, count, w.sectors, devices.ErrOutOfRange)
	}
	return nil
}

func (w *window) ReadSectors(sector uint64, count uint32, buf []byte) error {
	if err := w.check(sector, count); err != nil {
		return err
	}
	return w.dev.ReadSectors(w.first+sector, count, buf)
}

func (w *window) WriteSectors(sector uint64, count uint32, buf []byte) error {
	if err := w.check(sector, count); err != nil {
		return err
	}
	return w.dev.WriteSectors(w.first+sector, count, buf)
}

// ReadTable selects the user area of st and parses its GPT.
func ReadTable(st devices.Storage) (*gpt.Table, error) {
	if err := st.SetPartition(devices.User); err != nil {
		return nil, fmt.Errorf("could not select user area: %w", err)
	}
	gpp := sectorio.New(st, int64(st.Sectors())*devices.SectorSize, devices.User.String())
	t, err := gpt.Read(gpp)
	if err != nil {
		return nil, fmt.Errorf("could not read GPT: %w", err)
	}
	return t, nil
}
