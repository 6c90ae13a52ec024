package usbms

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/lsrcm/calkit/pkg/devices"
)

// MaxTransferBlocks bounds a single READ(10)/WRITE(10).
const MaxTransferBlocks = 128

// Disk is a devices.Storage over a UMS device that exports each eMMC
// hardware partition as its own LUN, the way hekate does.
type Disk struct {
	Host *Host
	LUNs map[devices.HWPartition]uint8

	sectors map[devices.HWPartition]uint64
	serial  uint32
	current devices.HWPartition
	open    bool
}

func NewDisk(h *Host, luns map[devices.HWPartition]uint8) *Disk {
	return &Disk{
		Host: h,
		LUNs: luns,
	}
}

func (d *Disk) Init() error {
	d.sectors = make(map[devices.HWPartition]uint64)
	for p, lun := range d.LUNs {
		blocks, size, err := d.Host.ReadCapacity(lun)
		if err != nil {
			return fmt.Errorf("could not read capacity of %s (LUN %d): %w", p, lun, err)
		}
		if size != devices.SectorSize {
			return fmt.Errorf("%s (LUN %d) has %d byte blocks", p, lun, size)
		}
		glog.V(1).Infof("%s is LUN %d, %d sectors", p, lun, blocks)
		d.sectors[p] = blocks
	}
	if _, ok := d.sectors[devices.User]; !ok {
		return fmt.Errorf("no LUN for %s", devices.User)
	}

	d.serial = 0
	page, err := d.Host.InquiryVPD(d.LUNs[devices.User], 0x80, 0xfc)
	if err != nil {
		glog.Warningf("Could not read unit serial number: %v", err)
	} else {
		s := strings.TrimSpace(strings.TrimRight(string(page), "\x00"))
		if v, err := strconv.ParseUint(s, 16, 32); err == nil {
			d.serial = uint32(v)
		} else {
			glog.Warningf("Unit serial number %q is not an eMMC serial", s)
		}
	}

	d.current = devices.User
	d.open = true
	return nil
}

func (d *Disk) End() error {
	d.open = false
	return nil
}

func (d *Disk) SetPartition(p devices.HWPartition) error {
	if _, ok := d.LUNs[p]; !ok {
		return fmt.Errorf("no LUN for %s", p)
	}
	d.current = p
	return nil
}

func (d *Disk) Sectors() uint64 {
	return d.sectors[d.current]
}

func (d *Disk) BootMultiplier() uint8 {
	return uint8(d.sectors[devices.Boot0] * devices.SectorSize / devices.BootUnit)
}

func (d *Disk) Serial() uint32 {
	return d.serial
}

func (d *Disk) transfer(write bool, sector uint64, count uint32, buf []byte) error {
	if !d.open {
		return devices.ErrNotInitialized
	}
	if len(buf) != int(count)*devices.SectorSize {
		return fmt.Errorf("buffer is %d bytes, want %d", len(buf), int(count)*devices.SectorSize)
	}
	if sector+uint64(count) > d.Sectors() || sector+uint64(count) > 1<<32 {
		return devices.ErrOutOfRange
	}
	lun := d.LUNs[d.current]
	for count > 0 {
		n := min(count, MaxTransferBlocks)
		b := buf[:n*devices.SectorSize]
		var err error
		if write {
			err = d.Host.Write10(lun, uint32(sector), uint16(n), b)
		} else {
			err = d.Host.Read10(lun, uint32(sector), uint16(n), b)
		}
		if err != nil {
			return err
		}
		buf = buf[len(b):]
		sector += uint64(n)
		count -= n
	}
	return nil
}

func (d *Disk) ReadSectors(sector uint64, count uint32, buf []byte) error {
	return d.transfer(false, sector, count, buf)
}

func (d *Disk) WriteSectors(sector uint64, count uint32, buf []byte) error {
	return d.transfer(true, sector, count, buf)
}
