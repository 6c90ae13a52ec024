package devices

import (
	"errors"
)

const (
	// SectorSize is the eMMC transfer quantum.
	SectorSize = 512
	// BootUnit is the size of one boot partition multiplier step (EXT_CSD
	// BOOT_SIZE_MULT).
	BootUnit = 128 * 1024
)

var (
	ErrNotInitialized = errors.New("storage not initialized")
	ErrOutOfRange     = errors.New("sector range outside of partition")
	ErrReadOnly       = errors.New("storage is opened read-only")
)

// BlockDevice is anything that can be read and written in whole sectors.
// buf must be exactly count*SectorSize bytes long.
type BlockDevice interface {
	ReadSectors(sector uint64, count uint32, buf []byte) error
	WriteSectors(sector uint64, count uint32, buf []byte) error
}

// Storage describes a common API to access the console eMMC, either a live
// device or a backup of one. Sector I/O addresses the currently selected
// hardware partition.
type Storage interface {
	BlockDevice

	// Init brings up the underlying device. It must be called before any
	// other method.
	Init() error
	// End releases the device. Init may be called again afterwards.
	End() error

	SetPartition(p HWPartition) error
	// Sectors returns the size of the currently selected hardware
	// partition.
	Sectors() uint64
	// BootMultiplier is the EXT_CSD boot size multiplier: each boot
	// partition is BootMultiplier() * BootUnit bytes long.
	BootMultiplier() uint8
	// Serial is the eMMC CID serial number.
	Serial() uint32
}

// BootSize returns the byte size of a single boot partition of s.
func BootSize(s Storage) int64 {
	return int64(s.BootMultiplier()) << 17
}
