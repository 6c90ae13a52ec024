// Package usbms is a minimal USB Mass Storage (Bulk-Only Transport) host,
// enough to drive the eMMC of a console exported over UMS.
package usbms

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type CBW struct {
	Signature          [4]byte
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	Length             uint8
	CB                 [16]byte
}

type CBS struct {
	Signature   [4]byte
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// Endpoints are the bulk pipes of a mass storage interface. gousb's
// InEndpoint and OutEndpoint satisfy them.
type Endpoints struct {
	In  io.Reader
	Out io.Writer
}

type Host struct {
	Endpoints Endpoints
	Tag       uint32
}

func (h *Host) InquiryVPD(lun, page uint8, allocation uint16) ([]byte, error) {
	req := bytes.NewBuffer(nil)
	binary.Write(req, binary.BigEndian, struct {
		EVPD             uint8
		PageCode         uint8
		AllocationLength uint16
	}{1, page, allocation})
	data := make([]byte, allocation)
	cbd := &CommandDataBuffer{
		OperationCode:         InquiryOp,
		Request:               req.Bytes(),
		Data:                  data,
		DataTransferDirection: DataTransferFromDevice,
	}
	if err := h.RawCommand(lun, cbd); err != nil {
		return nil, err
	}
	if len(cbd.Data) < 4 {
		return nil, fmt.Errorf("short VPD response (%d bytes)", len(cbd.Data))
	}
	res := struct {
		EVPD       uint8
		PageCode   uint8
		PageLength uint16
	}{}
	binary.Read(bytes.NewBuffer(cbd.Data[:4]), binary.BigEndian, &res)
	if res.EVPD != 0 || res.PageCode != page || int(res.PageLength) > len(cbd.Data)-4 {
		return nil, fmt.Errorf("invalid response: %+v", res)
	}
	return cbd.Data[4 : 4+res.PageLength], nil
}

// ReadCapacity returns the number of blocks of a LUN and their size.
func (h *Host) ReadCapacity(lun uint8) (blocks uint64, blockSize uint32, err error) {
	cbd := &CommandDataBuffer{
		OperationCode:         ReadCapacity10Op,
		Request:               make([]byte, 8),
		Data:                  make([]byte, 8),
		DataTransferDirection: DataTransferFromDevice,
	}
	if err := h.RawCommand(lun, cbd); err != nil {
		return 0, 0, err
	}
	if len(cbd.Data) != 8 {
		return 0, 0, fmt.Errorf("short capacity response (%d bytes)", len(cbd.Data))
	}
	res := struct {
		LastLBA   uint32
		BlockSize uint32
	}{}
	binary.Read(bytes.NewBuffer(cbd.Data), binary.BigEndian, &res)
	return uint64(res.LastLBA) + 1, res.BlockSize, nil
}

func rw10(lba uint32, blocks uint16) []byte {
	req := bytes.NewBuffer(nil)
	binary.Write(req, binary.BigEndian, struct {
		Flags          uint8
		LBA            uint32
		Group          uint8
		TransferLength uint16
	}{0, lba, 0, blocks})
	return req.Bytes()
}

// Read10 reads len(buf)/blockSize blocks starting at lba.
func (h *Host) Read10(lun uint8, lba uint32, blocks uint16, buf []byte) error {
	cbd := &CommandDataBuffer{
		OperationCode:         Read10Op,
		Request:               rw10(lba, blocks),
		Data:                  buf,
		DataTransferDirection: DataTransferFromDevice,
	}
	if err := h.RawCommand(lun, cbd); err != nil {
		return err
	}
	if len(cbd.Data) != len(buf) {
		return fmt.Errorf("short read: %d of %d bytes", len(cbd.Data), len(buf))
	}
	return nil
}

func (h *Host) Write10(lun uint8, lba uint32, blocks uint16, buf []byte) error {
	cbd := &CommandDataBuffer{
		OperationCode:         Write10Op,
		Request:               rw10(lba, blocks),
		Data:                  buf,
		DataTransferDirection: DataTransferToDevice,
	}
	return h.RawCommand(lun, cbd)
}

func (h *Host) RawCommand(lun uint8, cbd *CommandDataBuffer) error {
	rlen := len(cbd.Data)
	cbw, err := h.buildCBW(lun, cbd, uint32(rlen))
	if err != nil {
		return fmt.Errorf("building CBW failed: %w", err)
	}
	cbwb := cbw.Bytes()
	if _, err := h.Endpoints.Out.Write(cbwb); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	switch cbd.DataTransferDirection {
	case DataTransferFromDevice:
		n, err := h.Endpoints.In.Read(cbd.Data)
		if err != nil {
			return fmt.Errorf("data read failed: %w", err)
		}
		cbd.Data = cbd.Data[:n]
	case DataTransferToDevice:
		n, err := h.Endpoints.Out.Write(cbd.Data)
		if err != nil {
			return fmt.Errorf("data write failed: %w", err)
		}
		if want, got := len(cbd.Data), n; want != got {
			return fmt.Errorf("should've written %d bytes, wrote %d", want, got)
		}
	}

	cbsb := make([]byte, 13)
	if n, err := h.Endpoints.In.Read(cbsb); err != nil && n != 13 {
		return fmt.Errorf("status read failed: %w", err)
	}
	var cbs CBS
	binary.Read(bytes.NewBuffer(cbsb), binary.LittleEndian, &cbs)

	if !bytes.Equal(cbs.Signature[:], []byte("USBS")) {
		return fmt.Errorf("cbs signature invalid")
	}
	if cbs.Tag != cbw.Tag {
		return fmt.Errorf("tag mismatch: CBS %d != CBW %d", cbs.Tag, cbw.Tag)
	}
	if cbs.DataResidue != 0 && cbd.DataTransferDirection == DataTransferFromDevice {
		rlen -= int(cbs.DataResidue)
		if rlen < len(cbd.Data) {
			cbd.Data = cbd.Data[:rlen]
		}
	}
	if cbs.Status != 0 {
		return fmt.Errorf("cbs status: %d", cbs.Status)
	}

	return nil
}

func (h *Host) buildCBW(lun uint8, cbd *CommandDataBuffer, dataLength uint32) (*CBW, error) {
	data, err := cbd.Bytes()
	if err != nil {
		return nil, err
	}
	if len(data) > 16 {
		return nil, fmt.Errorf("cbd data too long")
	}

	var flags uint8
	switch cbd.DataTransferDirection {
	case DataTransferFromDevice:
		flags = 1 << 7
	case DataTransferToDevice, DataTransferNone:
	default:
		return nil, fmt.Errorf("DataTransferDirection must be to or from device or none")
	}

	h.Tag += 1

	cbw := CBW{
		Signature:          [4]byte{'U', 'S', 'B', 'C'},
		Tag:                h.Tag,
		DataTransferLength: dataLength,
		Flags:              flags,
		LUN:                lun,
		Length:             uint8(len(data)),
	}
	copy(cbw.CB[:len(data)], data)
	return &cbw, nil
}

func (c *CBW) Bytes() []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, c)
	return buf.Bytes()
}
