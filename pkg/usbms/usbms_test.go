package usbms

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/lsrcm/calkit/pkg/devices"
)

// fakeUMS emulates a Bulk-Only mass storage device with a set of LUNs
// backed by memory.
type fakeUMS struct {
	luns   [][]byte
	serial string

	queue   [][]byte
	pending *CBW
	cbws    int
}

func (f *fakeUMS) csw(tag uint32, residue uint32, status uint8) []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, &CBS{
		Signature:   [4]byte{'U', 'S', 'B', 'S'},
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	})
	return buf.Bytes()
}

func (f *fakeUMS) rw10(c *CBW) (lun []byte, off, length int, ok bool) {
	if int(c.LUN) >= len(f.luns) {
		return nil, 0, 0, false
	}
	lba := binary.BigEndian.Uint32(c.CB[2:6])
	blocks := binary.BigEndian.Uint16(c.CB[7:9])
	lun = f.luns[c.LUN]
	off = int(lba) * devices.SectorSize
	length = int(blocks) * devices.SectorSize
	return lun, off, length, off+length <= len(lun)
}

func (f *fakeUMS) Write(p []byte) (int, error) {
	if c := f.pending; c != nil {
		f.pending = nil
		lun, off, length, ok := f.rw10(c)
		if !ok || length != len(p) {
			f.queue = append(f.queue, f.csw(c.Tag, c.DataTransferLength, 1))
			return len(p), nil
		}
		copy(lun[off:], p)
		f.queue = append(f.queue, f.csw(c.Tag, 0, 0))
		return len(p), nil
	}

	var c CBW
	if len(p) != 31 {
		return 0, fmt.Errorf("CBW is %d bytes", len(p))
	}
	binary.Read(bytes.NewReader(p), binary.LittleEndian, &c)
	if string(c.Signature[:]) != "USBC" {
		return 0, fmt.Errorf("bad CBW signature")
	}
	f.cbws += 1

	switch OperationCode(c.CB[0]) {
	case ReadCapacity10Op:
		if int(c.LUN) >= len(f.luns) {
			f.queue = append(f.queue, []byte{}, f.csw(c.Tag, 8, 1))
			break
		}
		res := make([]byte, 8)
		binary.BigEndian.PutUint32(res[0:], uint32(len(f.luns[c.LUN])/devices.SectorSize)-1)
		binary.BigEndian.PutUint32(res[4:], devices.SectorSize)
		f.queue = append(f.queue, res, f.csw(c.Tag, 0, 0))
	case InquiryOp:
		alloc := int(binary.BigEndian.Uint16(c.CB[3:5]))
		res := append([]byte{0, c.CB[2], 0, byte(len(f.serial))}, f.serial...)
		if len(res) > alloc {
			res = res[:alloc]
		}
		f.queue = append(f.queue, res, f.csw(c.Tag, uint32(alloc-len(res)), 0))
	case Read10Op:
		lun, off, length, ok := f.rw10(&c)
		if !ok {
			f.queue = append(f.queue, []byte{}, f.csw(c.Tag, c.DataTransferLength, 1))
			break
		}
		f.queue = append(f.queue, append([]byte(nil), lun[off:off+length]...), f.csw(c.Tag, 0, 0))
	case Write10Op:
		f.pending = &c
	default:
		f.queue = append(f.queue, f.csw(c.Tag, 0, 1))
	}
	return len(p), nil
}

func (f *fakeUMS) Read(p []byte) (int, error) {
	if len(f.queue) == 0 {
		return 0, fmt.Errorf("nothing to read")
	}
	pkt := f.queue[0]
	f.queue = f.queue[1:]
	return copy(p, pkt), nil
}

func newFake(t *testing.T) (*fakeUMS, *Disk) {
	t.Helper()
	f := &fakeUMS{
		luns: [][]byte{
			make([]byte, 1024*devices.SectorSize),
			make([]byte, 4*devices.BootUnit),
			make([]byte, 4*devices.BootUnit),
		},
		serial: "0badcafe",
	}
	h := &Host{Endpoints: Endpoints{In: f, Out: f}}
	d := NewDisk(h, devices.Descriptions[0].LUNs)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return f, d
}

func TestDiskInit(t *testing.T) {
	_, d := newFake(t)
	if want, got := uint64(1024), d.Sectors(); want != got {
		t.Errorf("Sectors: wanted %d, got %d", want, got)
	}
	if want, got := uint8(4), d.BootMultiplier(); want != got {
		t.Errorf("BootMultiplier: wanted %d, got %d", want, got)
	}
	if want, got := uint32(0x0badcafe), d.Serial(); want != got {
		t.Errorf("Serial: wanted %08x, got %08x", want, got)
	}
	if err := d.SetPartition(devices.Boot1); err != nil {
		t.Fatalf("SetPartition: %v", err)
	}
	if want, got := uint64(4*devices.BootUnit/devices.SectorSize), d.Sectors(); want != got {
		t.Errorf("Boot1 sectors: wanted %d, got %d", want, got)
	}
}

func TestDiskReadWrite(t *testing.T) {
	f, d := newFake(t)

	// Spans more than one transfer.
	count := uint32(MaxTransferBlocks + 3)
	data := make([]byte, int(count)*devices.SectorSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := d.WriteSectors(10, count, data); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	if !bytes.Equal(f.luns[0][10*devices.SectorSize:][:len(data)], data) {
		t.Errorf("backing store does not contain written data")
	}

	got := make([]byte, len(data))
	if err := d.ReadSectors(10, count, got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back data differs")
	}

	if err := d.SetPartition(devices.Boot0); err != nil {
		t.Fatalf("SetPartition: %v", err)
	}
	if err := d.WriteSectors(0, 1, data[:devices.SectorSize]); err != nil {
		t.Fatalf("WriteSectors(BOOT0): %v", err)
	}
	if !bytes.Equal(f.luns[1][:devices.SectorSize], data[:devices.SectorSize]) {
		t.Errorf("BOOT0 write went to the wrong LUN")
	}
}

func TestDiskBounds(t *testing.T) {
	f, d := newFake(t)
	before := f.cbws
	buf := make([]byte, 2*devices.SectorSize)
	if err := d.ReadSectors(1023, 2, buf); err != devices.ErrOutOfRange {
		t.Errorf("ReadSectors past end: got %v", err)
	}
	if f.cbws != before {
		t.Errorf("out of range read reached the device")
	}

	if err := d.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := d.ReadSectors(0, 1, buf[:devices.SectorSize]); err != devices.ErrNotInitialized {
		t.Errorf("ReadSectors after End: got %v", err)
	}
}

func TestCommandFailure(t *testing.T) {
	f, d := newFake(t)
	f.luns[0] = f.luns[0][:8*devices.SectorSize]
	if err := d.ReadSectors(100, 1, make([]byte, devices.SectorSize)); err == nil {
		t.Errorf("read of a LUN that shrank should have failed")
	}
}

func TestBadSerial(t *testing.T) {
	f := &fakeUMS{
		luns:   [][]byte{make([]byte, 64*devices.SectorSize)},
		serial: "hekate",
	}
	d := NewDisk(&Host{Endpoints: Endpoints{In: f, Out: f}}, map[devices.HWPartition]uint8{devices.User: 0})
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if d.Serial() != 0 {
		t.Errorf("Serial: wanted 0, got %08x", d.Serial())
	}
	if d.BootMultiplier() != 0 {
		t.Errorf("BootMultiplier without boot LUNs should be 0")
	}
}

func TestCDBEncoding(t *testing.T) {
	inq := &CommandDataBuffer{OperationCode: InquiryOp, Request: []byte{1, 0x80, 0, 0xff}, Control: 7}
	b, err := inq.Bytes()
	if err != nil || !bytes.Equal(b, []byte{0x12, 1, 0x80, 0, 0xff, 7}) {
		t.Errorf("INQUIRY: got %x, %v", b, err)
	}
	rd := &CommandDataBuffer{OperationCode: Read10Op, Request: rw10(0x01020304, 0x0506)}
	b, err = rd.Bytes()
	if err != nil || !bytes.Equal(b, []byte{0x28, 0, 1, 2, 3, 4, 0, 5, 6, 0}) {
		t.Errorf("READ(10): got %x, %v", b, err)
	}
	for _, c := range []*CommandDataBuffer{
		{OperationCode: InquiryOp, Request: make([]byte, 8)},
		{OperationCode: Write10Op, Request: make([]byte, 4)},
		{OperationCode: 0x88, Request: make([]byte, 14)},
		{OperationCode: 0xa8, Request: make([]byte, 10)},
	} {
		if b, err := c.Bytes(); err == nil {
			t.Errorf("opcode 0x%02x with %d byte request encoded as %x", c.OperationCode, len(c.Request), b)
		}
	}
}
