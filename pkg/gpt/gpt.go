// Package gpt reads (and, for building images, writes) the GUID partition
// table at the start of the eMMC GPP.
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/lsrcm/calkit/pkg/devices"
)

var (
	ErrInvalidSignature = errors.New("gpt: invalid signature")
	ErrHeaderCRC        = errors.New("gpt: bad header CRC")
	ErrEntriesCRC       = errors.New("gpt: bad partition entry array CRC")
	ErrEntryArray       = errors.New("gpt: unsupported partition entry array")
	ErrInvalidEntry     = errors.New("gpt: partition outside of usable space")
)

var signature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

const (
	headerSize = 92
	entrySize  = 128
	// NumEntries is the size of the entry array written by Marshal.
	NumEntries = 128
	// HeaderLBA is where the primary header lives.
	HeaderLBA = 1
	// FirstUsableLBA is the first sector after a primary GPT with
	// NumEntries entries.
	FirstUsableLBA = 2 + NumEntries*entrySize/devices.SectorSize
	// maxEntryArray bounds the entry array Read accepts.
	maxEntryArray = 32 << 10
)

type Header struct {
	Signature                [8]byte
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32
	Reserved                 uint32
	MyLBA                    uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 GUID
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCRC32 uint32
}

type entry struct {
	Type       GUID
	GUID       GUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

// Partition is a single GPT entry. LBAs are inclusive.
type Partition struct {
	Name       string
	Type       GUID
	GUID       GUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
}

func (p *Partition) Sectors() uint64 {
	return p.LastLBA - p.FirstLBA + 1
}

func (p *Partition) Size() int64 {
	return int64(p.Sectors()) * devices.SectorSize
}

func (p *Partition) String() string {
	return fmt.Sprintf("%-12s 0x%08x-0x%08x (%d bytes)", p.Name, p.FirstLBA, p.LastLBA, p.Size())
}

type Table struct {
	Header     Header
	Partitions []Partition
}

// Find returns the partition called name, or nil.
func (t *Table) Find(name string) *Partition {
	for i := range t.Partitions {
		if t.Partitions[i].Name == name {
			return &t.Partitions[i]
		}
	}
	return nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func decodeName(b [72]byte) (string, error) {
	s, err := utf16le.NewDecoder().Bytes(b[:])
	if err != nil {
		return "", err
	}
	name := string(s)
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return name, nil
}

func encodeName(s string) ([72]byte, error) {
	var res [72]byte
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return res, err
	}
	if len(b) > len(res) {
		return res, fmt.Errorf("name %q too long", s)
	}
	copy(res[:], b)
	return res, nil
}

// Read parses the primary GPT from r, which addresses the whole GPP.
func Read(r io.ReaderAt) (*Table, error) {
	hb := make([]byte, devices.SectorSize)
	if _, err := r.ReadAt(hb, HeaderLBA*devices.SectorSize); err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}
	var t Table
	if err := binary.Read(bytes.NewReader(hb), binary.LittleEndian, &t.Header); err != nil {
		return nil, fmt.Errorf("could not parse header: %w", err)
	}
	h := &t.Header
	if h.Signature != signature {
		return nil, ErrInvalidSignature
	}
	if h.HeaderSize < headerSize || h.HeaderSize > devices.SectorSize {
		return nil, fmt.Errorf("gpt: invalid header size %d", h.HeaderSize)
	}
	crcb := make([]byte, h.HeaderSize)
	copy(crcb, hb)
	binary.LittleEndian.PutUint32(crcb[16:20], 0)
	if crc32.ChecksumIEEE(crcb) != h.HeaderCRC32 {
		return nil, ErrHeaderCRC
	}
	es := h.SizeOfPartitionEntry
	if es < entrySize || es&(es-1) != 0 || uint64(h.NumberOfPartitionEntries)*uint64(es) > maxEntryArray {
		return nil, fmt.Errorf("%w: %d x %d bytes", ErrEntryArray, h.NumberOfPartitionEntries, es)
	}

	eb := make([]byte, int(h.NumberOfPartitionEntries)*int(h.SizeOfPartitionEntry))
	if _, err := r.ReadAt(eb, int64(h.PartitionEntryLBA)*devices.SectorSize); err != nil {
		return nil, fmt.Errorf("could not read partition entries: %w", err)
	}
	if crc32.ChecksumIEEE(eb) != h.PartitionEntryArrayCRC32 {
		return nil, ErrEntriesCRC
	}
	for i := 0; i < int(h.NumberOfPartitionEntries); i++ {
		var e entry
		off := i * int(h.SizeOfPartitionEntry)
		if err := binary.Read(bytes.NewReader(eb[off:off+entrySize]), binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("could not parse entry %d: %w", i, err)
		}
		if e.Type == (GUID{}) {
			continue
		}
		name, err := decodeName(e.Name)
		if err != nil {
			return nil, fmt.Errorf("entry %d has invalid name: %w", i, err)
		}
		if e.FirstLBA > e.LastLBA || e.FirstLBA < h.FirstUsableLBA || e.LastLBA > h.LastUsableLBA {
			return nil, fmt.Errorf("%w: %q spans 0x%x-0x%x, usable 0x%x-0x%x", ErrInvalidEntry, name, e.FirstLBA, e.LastLBA, h.FirstUsableLBA, h.LastUsableLBA)
		}
		t.Partitions = append(t.Partitions, Partition{
			Name:       name,
			Type:       e.Type,
			GUID:       e.GUID,
			FirstLBA:   e.FirstLBA,
			LastLBA:    e.LastLBA,
			Attributes: e.Attributes,
		})
	}
	return &t, nil
}

// Marshal builds a primary GPT (protective MBR, header and entry array,
// FirstUsableLBA sectors in total) for a GPP of diskSectors sectors.
func Marshal(parts []Partition, diskSectors uint64) ([]byte, error) {
	if len(parts) > NumEntries {
		return nil, fmt.Errorf("too many partitions")
	}
	if diskSectors < 2*FirstUsableLBA {
		return nil, fmt.Errorf("disk of 0x%x sectors cannot hold a GPT", diskSectors)
	}
	lastUsable := diskSectors - FirstUsableLBA
	entries := bytes.NewBuffer(nil)
	for _, p := range parts {
		if p.FirstLBA < FirstUsableLBA || p.LastLBA < p.FirstLBA || p.LastLBA > lastUsable {
			return nil, fmt.Errorf("partition %q has invalid span 0x%x-0x%x", p.Name, p.FirstLBA, p.LastLBA)
		}
		name, err := encodeName(p.Name)
		if err != nil {
			return nil, err
		}
		typ := p.Type
		if typ == (GUID{}) {
			typ = BasicData
		}
		e := entry{
			Type:       typ,
			GUID:       p.GUID,
			FirstLBA:   p.FirstLBA,
			LastLBA:    p.LastLBA,
			Attributes: p.Attributes,
			Name:       name,
		}
		binary.Write(entries, binary.LittleEndian, &e)
	}
	eb := make([]byte, NumEntries*entrySize)
	copy(eb, entries.Bytes())

	h := Header{
		Signature:                signature,
		Revision:                 0x00010000,
		HeaderSize:               headerSize,
		MyLBA:                    HeaderLBA,
		AlternateLBA:             diskSectors - 1,
		FirstUsableLBA:           FirstUsableLBA,
		LastUsableLBA:            lastUsable,
		PartitionEntryLBA:        2,
		NumberOfPartitionEntries: NumEntries,
		SizeOfPartitionEntry:     entrySize,
		PartitionEntryArrayCRC32: crc32.ChecksumIEEE(eb),
	}
	hb := bytes.NewBuffer(nil)
	binary.Write(hb, binary.LittleEndian, &h)
	h.HeaderCRC32 = crc32.ChecksumIEEE(hb.Bytes())
	hb.Reset()
	binary.Write(hb, binary.LittleEndian, &h)

	res := make([]byte, FirstUsableLBA*devices.SectorSize)
	// Protective MBR: one 0xEE partition spanning the disk.
	mbr := res[:devices.SectorSize]
	mbr[0x1be+4] = 0xee
	binary.LittleEndian.PutUint32(mbr[0x1be+8:], 1)
	span := diskSectors - 1
	if span > 0xffffffff {
		span = 0xffffffff
	}
	binary.LittleEndian.PutUint32(mbr[0x1be+12:], uint32(span))
	mbr[510], mbr[511] = 0x55, 0xaa

	copy(res[devices.SectorSize:], hb.Bytes())
	copy(res[2*devices.SectorSize:], eb)
	return res, nil
}
