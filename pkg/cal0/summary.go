package cal0

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
)

// Summary is the human-interesting part of a record.
type Summary struct {
	Version      uint32
	BodySize     uint32
	UpdateCount  uint16
	BodyHash     []byte
	Serial       string
	DeviceID     string
	ConfigID     string
	RegionCode   uint32
	ProductModel uint32
	WlanMAC      net.HardwareAddr
	BdAddress    net.HardwareAddr
	// Colors are sub, bezel and main housing colors.
	Colors [3]uint32
	// KeyGenerations maps extended key field names to their resolved
	// generation, or -1 if only the legacy form is valid, or -2 if neither.
	KeyGenerations map[string]int
}

// Summarize reads a Summary out of r. Only the header needs to be intact,
// everything else is reported as found.
func Summarize(r io.ReaderAt) (*Summary, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		Version:        hdr.Version,
		BodySize:       hdr.BodySize,
		UpdateCount:    hdr.UpdateCount,
		BodyHash:       hdr.BodyHash[:],
		KeyGenerations: make(map[string]int),
	}

	str := func(f Field, off, size int64) (string, error) {
		b, err := readBytes(r, f.Offset+off, size)
		if err != nil {
			return "", err
		}
		return cString(b), nil
	}
	if s.Serial, err = str(SerialNumber, 0, SerialNumber.Size); err != nil {
		return nil, err
	}
	if s.DeviceID, err = str(EccB233DeviceCertificate, 0xc6, 0x10); err != nil {
		return nil, err
	}
	if s.ConfigID, err = str(ConfigurationId1, 0, ConfigurationId1.Size); err != nil {
		return nil, err
	}
	if s.RegionCode, err = readU32(r, RegionCode.Offset); err != nil {
		return nil, err
	}
	if s.ProductModel, err = readU32(r, ProductModel.Offset); err != nil {
		return nil, err
	}
	mac, err := readBytes(r, WlanMacAddress.Offset, 6)
	if err != nil {
		return nil, err
	}
	s.WlanMAC = mac
	bd, err := readBytes(r, BdAddress.Offset, 6)
	if err != nil {
		return nil, err
	}
	s.BdAddress = bd
	for i, f := range []Field{HousingSubColor, HousingBezelColor, HousingMainColor1} {
		b, err := readBytes(r, f.Offset, 4)
		if err != nil {
			return nil, err
		}
		s.Colors[i] = binary.BigEndian.Uint32(b)
	}
	for _, k := range []ExtendedKey{SSLKeys, DeviceKeys, ETicketKeys, GameCardKeys} {
		res, err := ResolveKey(r, hdr.Version, k)
		switch {
		case err != nil:
			s.KeyGenerations[k.Extended.Name] = -2
		case !res.Extended:
			s.KeyGenerations[k.Extended.Name] = -1
		default:
			s.KeyGenerations[k.Extended.Name] = int(res.Generation)
		}
	}
	return s, nil
}

func keyState(gen int) string {
	switch gen {
	case -2:
		return "invalid"
	case -1:
		return "legacy"
	}
	return fmt.Sprintf("extended, generation %d", gen)
}

func (s *Summary) Debug(w io.Writer) {
	fmt.Fprintf(w, "                   Version: %d\n", s.Version)
	fmt.Fprintf(w, "                 Body size: 0x%x\n", s.BodySize)
	fmt.Fprintf(w, "              Update count: %d\n", s.UpdateCount)
	fmt.Fprintf(w, "                 Body hash: %s\n", hex.EncodeToString(s.BodyHash))
	fmt.Fprintf(w, "             Serial number: %s\n", s.Serial)
	fmt.Fprintf(w, "                 Device ID: %s\n", s.DeviceID)
	fmt.Fprintf(w, "          Configuration ID: %s\n", s.ConfigID)
	fmt.Fprintf(w, "               Region code: %d\n", s.RegionCode)
	fmt.Fprintf(w, "             Product model: %d\n", s.ProductModel)
	fmt.Fprintf(w, "          WLAN MAC address: %s\n", s.WlanMAC)
	fmt.Fprintf(w, "                BD address: %s\n", s.BdAddress)
	fmt.Fprintf(w, "   Colors (sub/bezel/main): %08x / %08x / %08x\n", s.Colors[0], s.Colors[1], s.Colors[2])
	for _, k := range []ExtendedKey{SSLKeys, DeviceKeys, ETicketKeys, GameCardKeys} {
		fmt.Fprintf(w, "%26s: %s\n", k.Extended.Name, keyState(s.KeyGenerations[k.Extended.Name]))
	}
}
