package cal0

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lsrcm/calkit/pkg/keys"
)

var (
	ErrSSLKey      = errors.New("neither extended nor legacy SSL key is valid")
	ErrDeviceKey   = errors.New("neither extended nor legacy device key is valid")
	ErrETicketKey  = errors.New("neither extended nor legacy eticket key is valid")
	ErrGameCardKey = errors.New("neither extended nor legacy game card key is valid")
)

const ivSize = 0x10

// ExtendedKey describes a key that is stored either in a legacy field or,
// sealed, in an extended field. An extended field holds an IV, the sealed
// key, and a uint32 generation.
type ExtendedKey struct {
	Extended Field
	Legacy   Field
	KeySize  int64
	// Source names the key source the sealing key is unwrapped from.
	Source string
	Err    error
}

func (k ExtendedKey) keyOffset() int64 {
	return k.Extended.Offset + ivSize
}

func (k ExtendedKey) generationOffset() int64 {
	return k.Extended.Offset + ivSize + k.KeySize
}

var (
	SSLKeys = ExtendedKey{
		Extended: ExtendedSslKey,
		Legacy:   SslKey,
		KeySize:  0x120,
		Source:   "ssl_rsa_kek_source",
		Err:      ErrSSLKey,
	}
	DeviceKeys = ExtendedKey{
		Extended: ExtendedEccB233DeviceKey,
		Legacy:   EccB233DeviceKey,
		KeySize:  0x30,
		Source:   "device_ecc_kek_source",
		Err:      ErrDeviceKey,
	}
	ETicketKeys = ExtendedKey{
		Extended: ExtendedRsa2048ETicketKey,
		Legacy:   Rsa2048ETicketKey,
		KeySize:  0x230,
		Source:   "eticket_rsa_kek_source",
		Err:      ErrETicketKey,
	}
	GameCardKeys = ExtendedKey{
		Extended: ExtendedGameCardKey,
		Legacy:   GameCardKey,
		KeySize:  0x120,
		Source:   "gamecard_kek_source",
		Err:      ErrGameCardKey,
	}
)

// Resolution says which form of an ExtendedKey is authentic.
type Resolution struct {
	Extended   bool
	Generation uint32
}

// ResolveKey picks the extended form of k if its checksum matches, else the
// legacy form (generation 0). Calibration versions up to 8 always report
// generation 0 for the extended form, as the settings module zeroes it.
func ResolveKey(r io.ReaderAt, version uint32, k ExtendedKey) (*Resolution, error) {
	if err := ValidateChecksum(r, k.Extended); err == nil {
		gen, err := readU32(r, k.generationOffset())
		if err != nil {
			return nil, err
		}
		if version <= 8 {
			gen = 0
		}
		return &Resolution{Extended: true, Generation: gen}, nil
	}
	if err := ValidateChecksum(r, k.Legacy); err == nil {
		return &Resolution{}, nil
	}
	return nil, k.Err
}

func sealCipher(ks *keys.KeySet, masterKey keys.Key, k ExtendedKey, iv []byte) (cipher.Stream, error) {
	src, err := ks.Source(k.Source)
	if err != nil {
		return nil, err
	}
	kek := keys.Unwrap(masterKey, src)
	c, err := aes.NewCipher(kek[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(c, iv), nil
}

// SealIV is the IV an extended key is sealed with for a device.
func SealIV(deviceID uint64, k ExtendedKey) []byte {
	h := sha256.New()
	binary.Write(h, binary.BigEndian, deviceID)
	h.Write([]byte(k.Extended.Name))
	return h.Sum(nil)[:ivSize]
}

// Seal encrypts the plaintext key currently stored in the extended field of
// k in place, binding it to deviceID and masterKey, and stores generation.
// The field checksum is not updated.
func Seal(rw Store, ks *keys.KeySet, masterKey keys.Key, deviceID uint64, k ExtendedKey, generation uint32) error {
	plain, err := readBytes(rw, k.keyOffset(), k.KeySize)
	if err != nil {
		return fmt.Errorf("%s: %w", k.Extended.Name, err)
	}
	iv := SealIV(deviceID, k)
	s, err := sealCipher(ks, masterKey, k, iv)
	if err != nil {
		return fmt.Errorf("%s: %w", k.Extended.Name, err)
	}
	s.XORKeyStream(plain, plain)
	if err := writeBytes(rw, k.Extended.Offset, iv); err != nil {
		return err
	}
	if err := writeBytes(rw, k.keyOffset(), plain); err != nil {
		return err
	}
	return writeU32(rw, k.generationOffset(), generation)
}

// Unseal returns the plaintext of the extended form of k.
func Unseal(r io.ReaderAt, ks *keys.KeySet, masterKey keys.Key, k ExtendedKey) ([]byte, error) {
	iv, err := readBytes(r, k.Extended.Offset, ivSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k.Extended.Name, err)
	}
	b, err := readBytes(r, k.keyOffset(), k.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k.Extended.Name, err)
	}
	s, err := sealCipher(ks, masterKey, k, iv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k.Extended.Name, err)
	}
	s.XORKeyStream(b, b)
	return b, nil
}
