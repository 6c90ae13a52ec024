package devices

import (
	"github.com/google/gousb"
)

// Kind is the flavour of eMMC a Storage exposes.
type Kind string

const (
	SysMMC Kind = "sysmmc"
	EmuMMC Kind = "emummc"
)

func (k Kind) String() string {
	switch k {
	case SysMMC:
		return "sysMMC"
	case EmuMMC:
		return "emuMMC"
	}
	return "UNKNOWN"
}

// HWPartition is an eMMC hardware partition.
type HWPartition uint8

const (
	User HWPartition = iota
	Boot0
	Boot1
)

func (p HWPartition) String() string {
	switch p {
	case User:
		return "GPP"
	case Boot0:
		return "BOOT0"
	case Boot1:
		return "BOOT1"
	}
	return "UNKNOWN"
}

// Description of a USB device that exposes the console eMMC as mass storage.
// LUNs maps hardware partitions to the SCSI logical units they are exported
// on.
type Description struct {
	VID, PID gousb.ID
	Name     string
	LUNs     map[HWPartition]uint8
}

var Descriptions = []Description{
	{
		VID:  0x11ec,
		PID:  0xa7e0,
		Name: "hekate UMS",
		LUNs: map[HWPartition]uint8{
			User:  0,
			Boot0: 1,
			Boot1: 2,
		},
	},
}
