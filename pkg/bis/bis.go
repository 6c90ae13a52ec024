// Package bis implements the AES-128-XTS variant used for the encrypted eMMC
// partitions (PRODINFO, PRODINFOF, SAFE, SYSTEM, USER).
//
// It differs from IEEE 1619 XTS only in the tweak: the data unit number is
// encoded big-endian into the 16-byte tweak block. Data units ("clusters")
// are 0x4000 bytes.
package bis

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/keys"
)

const ClusterSize = 0x4000

type Cipher struct {
	crypt, tweak cipher.Block
	// UnitSize is the XTS data unit size.
	UnitSize int
}

// New returns a cipher over ClusterSize data units.
func New(k keys.BISKey) (*Cipher, error) {
	return NewWithUnit(k, ClusterSize)
}

func NewWithUnit(k keys.BISKey, unitSize int) (*Cipher, error) {
	if unitSize <= 0 || unitSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid data unit size %d", unitSize)
	}
	crypt, err := aes.NewCipher(k.Crypt[:])
	if err != nil {
		return nil, err
	}
	tweak, err := aes.NewCipher(k.Tweak[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{
		crypt:    crypt,
		tweak:    tweak,
		UnitSize: unitSize,
	}, nil
}

// mulAlpha multiplies t by x in GF(2^128), little-endian byte order.
func mulAlpha(t *[16]byte) {
	var carry byte
	for i := 0; i < 16; i++ {
		next := t[i] >> 7
		t[i] = t[i]<<1 | carry
		carry = next
	}
	if carry != 0 {
		t[0] ^= 0x87
	}
}

func (c *Cipher) tweakFor(unit uint64, block int) [16]byte {
	var t [16]byte
	binary.BigEndian.PutUint64(t[8:], unit)
	c.tweak.Encrypt(t[:], t[:])
	for i := 0; i < block; i++ {
		mulAlpha(&t)
	}
	return t
}

// Crypt en- or decrypts buf in place. offset is the position of buf[0]
// within the encrypted area and must be block aligned, as must len(buf).
func (c *Cipher) Crypt(buf []byte, offset int64, decrypt bool) error {
	if offset < 0 || offset%aes.BlockSize != 0 || len(buf)%aes.BlockSize != 0 {
		return fmt.Errorf("unaligned XTS request (offset 0x%x, length 0x%x)", offset, len(buf))
	}
	unitBlocks := c.UnitSize / aes.BlockSize
	unit := uint64(offset / int64(c.UnitSize))
	block := int(offset%int64(c.UnitSize)) / aes.BlockSize
	t := c.tweakFor(unit, block)

	var x [16]byte
	for pos := 0; pos < len(buf); pos += aes.BlockSize {
		if block == unitBlocks {
			unit += 1
			block = 0
			t = c.tweakFor(unit, 0)
		}
		b := buf[pos : pos+aes.BlockSize]
		for i := range x {
			x[i] = b[i] ^ t[i]
		}
		if decrypt {
			c.crypt.Decrypt(x[:], x[:])
		} else {
			c.crypt.Encrypt(x[:], x[:])
		}
		for i := range x {
			b[i] = x[i] ^ t[i]
		}
		mulAlpha(&t)
		block += 1
	}
	return nil
}

// DecryptBlob decrypts a whole blob that starts at the beginning of an
// encrypted area, in a single pass.
func DecryptBlob(k keys.BISKey, buf []byte) error {
	c, err := New(k)
	if err != nil {
		return err
	}
	return c.Crypt(buf, 0, true)
}

// EncryptBlob is the inverse of DecryptBlob.
func EncryptBlob(k keys.BISKey, buf []byte) error {
	c, err := New(k)
	if err != nil {
		return err
	}
	return c.Crypt(buf, 0, false)
}

// Device presents the plaintext view of an encrypted BlockDevice. Sector 0
// of Raw is the start of the encrypted area.
type Device struct {
	Raw    devices.BlockDevice
	Cipher *Cipher
}

func (d *Device) ReadSectors(sector uint64, count uint32, buf []byte) error {
	if err := d.Raw.ReadSectors(sector, count, buf); err != nil {
		return err
	}
	return d.Cipher.Crypt(buf, int64(sector)*devices.SectorSize, true)
}

func (d *Device) WriteSectors(sector uint64, count uint32, buf []byte) error {
	enc := make([]byte, len(buf))
	copy(enc, buf)
	if err := d.Cipher.Crypt(enc, int64(sector)*devices.SectorSize, false); err != nil {
		return err
	}
	return d.Raw.WriteSectors(sector, count, enc)
}
