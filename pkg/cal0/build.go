package cal0

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/golang/glog"

	"github.com/lsrcm/calkit/pkg/keys"
)

var (
	ErrMasterKeySentinel = errors.New("master key 0 does not match its sentinel")
	ErrDonorSize         = errors.New("donor record size out of range")
)

// MasterKeySentinel is the CRC16 of the correct master_key_00.
const MasterKeySentinel = 0x801b

// PlaceholderSerial is written wherever a record needs a serial number but
// has none to give.
const PlaceholderSerial = "XAW00000000000"

// nintendoOUI prefixes generated WLAN and Bluetooth addresses.
var nintendoOUI = []byte{0x98, 0xb6, 0xe9}

func CheckMasterKey(ks *keys.KeySet) error {
	if crc := CRC16(ks.MasterKeys[0][:]); crc != MasterKeySentinel {
		return fmt.Errorf("%w (CRC16 0x%04x)", ErrMasterKeySentinel, crc)
	}
	return nil
}

func CheckDonorSize(size int64) error {
	if size < MinimumSize || size > MaximumSize {
		return fmt.Errorf("%w: 0x%x not within [0x%x, 0x%x]", ErrDonorSize, size, MinimumSize, MaximumSize)
	}
	return nil
}

// NormalizeDeviceID applies the device family tag: the first nibble is
// always 6, the second one ranges from 0 to 3.
func NormalizeDeviceID(id uint64) uint64 {
	return id&^(0xfc<<56) | 0x60<<56
}

func DeviceIDString(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

// Builder assembles calibration records.
type Builder struct {
	// Keys is the local key set. Its master_key_00 must pass
	// CheckMasterKey.
	Keys *keys.KeySet
	// DonorKeys belong to the console a donor record comes from.
	DonorKeys *keys.KeySet
	DeviceID  uint64
	// LcdVendorID identifies the display panel.
	LcdVendorID uint32
	// Size of built records, MaximumSize if zero.
	Size int64
}

type donorParts struct {
	// gameCardCertificate includes its trailing hash.
	gameCardCertificate []byte
	// gameCardKey is the unsealed extended game card key, nil if it could
	// not be unsealed.
	gameCardKey []byte
}

// Build returns a new record, optionally carrying over the game card
// certificate and key of donor. An invalid donor is ignored and the record
// built from scratch. A record failing self-verification is still returned.
func (b *Builder) Build(donor Record) (Record, error) {
	if donor != nil {
		if err := CheckDonorSize(int64(len(donor))); err != nil {
			return nil, err
		}
	}
	if err := CheckMasterKey(b.Keys); err != nil {
		return nil, err
	}
	size := b.Size
	if size == 0 {
		size = MaximumSize
	}
	if size < CalibrationSize || size > MaximumSize {
		return nil, fmt.Errorf("cannot build a record of 0x%x bytes", size)
	}

	var parts *donorParts
	if donor != nil {
		parts = b.importDonor(donor)
		if parts == nil {
			glog.Warningf("Falling back to building from scratch")
		}
	}

	rec := make(Record, size)
	id := NormalizeDeviceID(b.DeviceID)
	glog.Infof("Building CAL0 for device %s", DeviceIDString(id))
	for _, s := range b.steps() {
		glog.V(1).Infof("Writing %s", s.name)
		if err := s.fn(rec, id); err != nil {
			return nil, fmt.Errorf("could not write %s: %w", s.name, err)
		}
	}

	if parts != nil {
		glog.Infof("Importing game card certificate")
		copy(rec[GameCardCertificate.Offset:], parts.gameCardCertificate)
		if parts.gameCardKey != nil {
			glog.Infof("Importing extended game card key")
			copy(rec[GameCardKeys.keyOffset():], parts.gameCardKey)
			if err := Seal(rec, b.Keys, b.Keys.MasterKeys[0], id, GameCardKeys, 1); err != nil {
				glog.Warningf("Could not re-seal game card key: %v", err)
			}
		}
	}

	glog.V(1).Infof("Writing checksums")
	if err := Finalize(rec); err != nil {
		return nil, fmt.Errorf("could not finalize: %w", err)
	}
	if !Verify(rec) {
		glog.Warningf("Built record fails self-verification, keeping it for inspection")
	}
	return rec, nil
}

func (b *Builder) importDonor(donor Record) *donorParts {
	if err := Validate(donor); err != nil {
		glog.Errorf("Donor record is invalid: %v", err)
		return nil
	}
	hdr, err := ReadHeader(donor)
	if err != nil {
		glog.Errorf("Donor record is invalid: %v", err)
		return nil
	}
	idOff := EccB233DeviceCertificate.Offset + 0xc6
	glog.Infof("Donor record looks valid: version %d, device id %s", hdr.Version, cString(donor[idOff:idOff+0x10]))

	if hdr.Version >= 9 && (b.DonorKeys == nil || b.DonorKeys.DeviceKey4x.IsZero()) {
		glog.Warningf("Donor device_key_4x is missing, imported keys will be degraded")
	}

	end := GameCardCertificate.HashOffset + sha256.Size
	parts := &donorParts{
		gameCardCertificate: append([]byte(nil), donor[GameCardCertificate.Offset:end]...),
	}

	var gen uint32
	res, err := ResolveKey(donor, hdr.Version, GameCardKeys)
	switch {
	case err != nil:
		glog.Warningf("Donor %v", err)
	case !res.Extended:
		glog.Warningf("Donor only has a legacy game card key")
	default:
		gen = res.Generation
	}
	// The stored generation counts from 1.
	mk, personalized := keys.PersonalizedMasterKey(b.Keys, b.DonorKeys, hdr.Version, uint8(gen)-1)
	if !personalized {
		glog.V(1).Infof("Unsealing donor game card key with master_key_00")
	}
	key, err := Unseal(donor, b.Keys, mk, GameCardKeys)
	if err != nil {
		glog.Warningf("Could not unseal donor game card key: %v", err)
		return parts
	}
	parts.gameCardKey = key
	return parts
}

type buildStep struct {
	name string
	fn   func(rec Record, id uint64) error
}

func (b *Builder) steps() []buildStep {
	return []buildStep{
		{"header", writeHeader},
		{"config id", writeConfigID},
		{"region codes", writeRegionCodes},
		{"network addresses", writeAddresses},
		{"sensor calibration", writeSensors},
		{"serial number", writeSerial},
		{"random number", writeRandomNumber},
		{"battery lot", writeBatteryLot},
		{"speaker calibration", writeSpeakerCalibration},
		{"console colors", writeColors},
		{"short values", b.writeShortValues},
		{"device id strings", writeDeviceIDStrings},
		{"empty SSL certificate", writeEmptySSLCertificate},
		{"extended keys", b.sealExtendedKeys},
	}
}

func writeHeader(rec Record, _ uint64) error {
	h := Header{
		Magic:    Magic,
		Version:  ScratchVersion,
		BodySize: CalibrationSize - BodyOffset,
		Model:    1,
	}
	buf := make([]byte, 0, BodyOffset)
	buf, err := binary.Append(buf, binary.LittleEndian, &h)
	if err != nil {
		return err
	}
	return writeBytes(rec, 0, buf)
}

func writeConfigID(rec Record, _ uint64) error {
	return writeBytes(rec, ConfigurationId1.Offset, []byte("MP_00_01_00_00"))
}

var wlanCountryCodes = []string{"R1", "T1", "T2", "T3", "T4", "T5", "T6", "T7", "T8", "T9"}

func writeRegionCodes(rec Record, _ uint64) error {
	off := WlanCountryCodes.Offset
	if err := writeU32(rec, off, uint32(len(wlanCountryCodes))); err != nil {
		return err
	}
	if err := writeU32(rec, off+4, uint32(len(wlanCountryCodes)-1)); err != nil {
		return err
	}
	for i, c := range wlanCountryCodes {
		if err := writeBytes(rec, off+8+int64(i)*3, []byte(c)); err != nil {
			return err
		}
	}
	return writeU32(rec, RegionCode.Offset, 1)
}

func writeAddresses(rec Record, id uint64) error {
	low := uint32(id^id>>24) & 0xffffff
	mac := append(append([]byte(nil), nintendoOUI...), byte(low>>16), byte(low>>8), byte(low))
	if err := writeBytes(rec, WlanMacAddress.Offset, mac); err != nil {
		return err
	}
	bd := append([]byte(nil), mac...)
	bd[5]++
	return writeBytes(rec, BdAddress.Offset, bd)
}

func writeSensors(rec Record, _ uint64) error {
	for _, s := range []struct {
		f Field
		v int16
	}{
		{AccelerometerOffset, 0},
		{AccelerometerScale, 16384},
		{GyroscopeOffset, 0},
		{GyroscopeScale, 13371},
	} {
		for axis := int64(0); axis < 3; axis++ {
			if err := writeU16(rec, s.f.Offset+axis*2, uint16(s.v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeSerial(rec Record, _ uint64) error {
	return writeBytes(rec, SerialNumber.Offset, []byte(PlaceholderSerial))
}

func writeRandomNumber(rec Record, id uint64) error {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], id)
	rng := rand.NewChaCha8(sha256.Sum256(seed[:]))
	b := make([]byte, RandomNumber.MaxSize)
	rng.Read(b)
	return writeBytes(rec, RandomNumber.Offset, b)
}

func writeBatteryLot(rec Record, _ uint64) error {
	return writeBytes(rec, BatteryLot.Offset, []byte("BPNM0000000000000000000"))
}

func writeSpeakerCalibration(rec Record, _ uint64) error {
	// Flat equalizer: sixteen unity gain bands.
	for band := int64(0); band < 16; band++ {
		if err := writeU16(rec, SpeakerCalibrationValue.Offset+band*2, 0x1000); err != nil {
			return err
		}
	}
	return nil
}

// housingColors are sub, bezel and main colors, RGBA.
var housingColors = [][3]uint32{
	{0x828282ff, 0x0f0f0fff, 0x323232ff},
	{0x1473b8ff, 0x1e1e1eff, 0x2d2d2dff},
	{0xe60012ff, 0x2f2f2fff, 0x414141ff},
	{0xd4d4d4ff, 0x0f0f0fff, 0xe6e6e6ff},
}

func writeColors(rec Record, id uint64) error {
	idx := int(id % uint64(len(housingColors)))
	c := housingColors[idx]
	for _, w := range []struct {
		f Field
		v uint32
	}{
		{HousingSubColor, c[0]},
		{HousingBezelColor, c[1]},
		{HousingMainColor1, c[2]},
		{HousingMainColor2, c[2]},
		{HousingMainColor3, c[2]},
		{ColorVariation, uint32(idx)},
	} {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], w.v)
		if err := writeBytes(rec, w.f.Offset, b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) writeShortValues(rec Record, _ uint64) error {
	for _, w := range []struct {
		f Field
		v uint32
	}{
		{ProductModel, 1},
		{LcdVendorId, b.LcdVendorID},
		{UsbTypeCPowerSourceCircuitVersion, 0},
		{AnalogStickModuleTypeL, 1},
		{AnalogStickModuleTypeR, 1},
		{ConsoleSixAxisSensorModuleType, 1},
		{BatteryVersion, 0},
		{TouchIcVendorId, 0},
	} {
		if err := writeU32(rec, w.f.Offset, w.v); err != nil {
			return err
		}
	}
	for i, v := range []float32{0.0, 1.0, 0.0} {
		if err := writeU32(rec, LcdBacklightBrightnessMapping.Offset+int64(i)*4, math.Float32bits(v)); err != nil {
			return err
		}
	}
	return nil
}

// Both the ECC and the RSA device certificate carry the device id, and
// either can be consulted depending on firmware version.
func writeDeviceIDStrings(rec Record, id uint64) error {
	s := []byte("NX" + DeviceIDString(id) + "-0")
	if err := writeBytes(rec, EccB233DeviceCertificate.Offset+0xc4, s); err != nil {
		return err
	}
	return writeBytes(rec, Rsa2048ETicketCertificate.Offset+0xc4, s)
}

func writeEmptySSLCertificate(rec Record, _ uint64) error {
	if err := writeU32(rec, SslCertificateSize.Offset, 0); err != nil {
		return err
	}
	return writeBytes(rec, SslCertificate.Offset, make([]byte, SslCertificate.MaxSize))
}

func (b *Builder) sealExtendedKeys(rec Record, id uint64) error {
	for _, k := range []ExtendedKey{DeviceKeys, ETicketKeys} {
		if err := Seal(rec, b.Keys, b.Keys.MasterKeys[0], id, k, 1); err != nil {
			glog.Warningf("Extended key left unsealed: %v", err)
		}
	}
	return nil
}
