package devices

import (
	"errors"
	"fmt"
)

// Op is a single sector operation performed on a Memory storage.
type Op struct {
	Write     bool
	Partition HWPartition
	Sector    uint64
	Count     uint32
}

// ErrInjected is returned by Memory for operations failed on purpose.
var ErrInjected = errors.New("injected I/O failure")

// Memory is an in-RAM Storage. It records every sector operation and can be
// told to fail a number of upcoming operations, which makes it the backend
// of choice for exercising retry and unwind paths.
type Memory struct {
	Parts      [3][]byte
	Multiplier uint8
	CID        uint32

	// FailReads and FailWrites fail that many upcoming operations.
	FailReads  int
	FailWrites int

	Ops       []Op
	Inits     int
	Ends      int
	initiated bool
	current   HWPartition
}

// NewMemory returns a zeroed Memory with the given GPP size and boot
// multiplier.
func NewMemory(userSize int64, multiplier uint8) *Memory {
	bs := int64(multiplier) * BootUnit
	return &Memory{
		Parts: [3][]byte{
			make([]byte, userSize),
			make([]byte, bs),
			make([]byte, bs),
		},
		Multiplier: multiplier,
	}
}

func (m *Memory) Init() error {
	m.Inits += 1
	m.initiated = true
	m.current = User
	return nil
}

func (m *Memory) End() error {
	m.Ends += 1
	m.initiated = false
	return nil
}

// Open reports whether the storage is between Init and End.
func (m *Memory) Open() bool {
	return m.initiated
}

func (m *Memory) SetPartition(p HWPartition) error {
	if int(p) >= len(m.Parts) {
		return fmt.Errorf("invalid hardware partition %d", p)
	}
	m.current = p
	return nil
}

func (m *Memory) Sectors() uint64 {
	return uint64(len(m.Parts[m.current])) / SectorSize
}

func (m *Memory) BootMultiplier() uint8 {
	return m.Multiplier
}

func (m *Memory) Serial() uint32 {
	return m.CID
}

func (m *Memory) span(sector uint64, count uint32, buf []byte) ([]byte, error) {
	if !m.initiated {
		return nil, ErrNotInitialized
	}
	if len(buf) != int(count)*SectorSize {
		return nil, fmt.Errorf("buffer is %d bytes, want %d", len(buf), int(count)*SectorSize)
	}
	if sector+uint64(count) > m.Sectors() {
		return nil, ErrOutOfRange
	}
	start := sector * SectorSize
	return m.Parts[m.current][start : start+uint64(count)*SectorSize], nil
}

func (m *Memory) ReadSectors(sector uint64, count uint32, buf []byte) error {
	m.Ops = append(m.Ops, Op{Partition: m.current, Sector: sector, Count: count})
	if m.FailReads > 0 {
		m.FailReads -= 1
		return ErrInjected
	}
	b, err := m.span(sector, count, buf)
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

func (m *Memory) WriteSectors(sector uint64, count uint32, buf []byte) error {
	m.Ops = append(m.Ops, Op{Write: true, Partition: m.current, Sector: sector, Count: count})
	if m.FailWrites > 0 {
		m.FailWrites -= 1
		return ErrInjected
	}
	b, err := m.span(sector, count, buf)
	if err != nil {
		return err
	}
	copy(b, buf)
	return nil
}

// ResetOps forgets all recorded operations.
func (m *Memory) ResetOps() {
	m.Ops = nil
}
