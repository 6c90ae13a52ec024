// Package keys holds the console key material calkit operates with and the
// handful of AES block primitives used to derive keys from it.
package keys

import (
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
)

// MasterKeyCount is the number of master key generations a KeySet holds.
const MasterKeyCount = 0x20

var ErrMissingKey = errors.New("missing key")

// Key is a single AES-128 key or key source.
type Key [16]byte

func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// BISKey is an AES-XTS key pair used for one group of BIS partitions.
type BISKey struct {
	Crypt Key
	Tweak Key
}

func (b BISKey) IsZero() bool {
	return b.Crypt.IsZero() && b.Tweak.IsZero()
}

// KeySet is a bundle of device keys, as dumped by Lockpick into prod.keys.
// Absent keys are all-zero.
type KeySet struct {
	MasterKeys  [MasterKeyCount]Key
	BIS         [4]BISKey
	DeviceKey4x Key
	// Sources holds every other named 16-byte value from the key file,
	// lowercased.
	Sources map[string]Key
}

func (ks *KeySet) MasterKey(generation int) (Key, error) {
	if generation < 0 || generation >= MasterKeyCount {
		return Key{}, fmt.Errorf("master key generation %d out of range", generation)
	}
	k := ks.MasterKeys[generation]
	if k.IsZero() {
		return k, fmt.Errorf("master_key_%02x: %w", generation, ErrMissingKey)
	}
	return k, nil
}

func (ks *KeySet) BISKey(index int) (BISKey, error) {
	if index < 0 || index >= len(ks.BIS) {
		return BISKey{}, fmt.Errorf("bis key %d out of range", index)
	}
	k := ks.BIS[index]
	if k.IsZero() {
		return k, fmt.Errorf("bis_key_%02x: %w", index, ErrMissingKey)
	}
	return k, nil
}

func (ks *KeySet) Source(name string) (Key, error) {
	k, ok := ks.Sources[name]
	if !ok || k.IsZero() {
		return Key{}, fmt.Errorf("%s: %w", name, ErrMissingKey)
	}
	return k, nil
}

// DecryptBlock decrypts a single block with AES-128-ECB.
func DecryptBlock(key, block Key) Key {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	var out Key
	c.Decrypt(out[:], block[:])
	return out
}

// EncryptBlock encrypts a single block with AES-128-ECB.
func EncryptBlock(key, block Key) Key {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	var out Key
	c.Encrypt(out[:], block[:])
	return out
}

// Unwrap derives the key that src is a source for under kek.
func Unwrap(kek, src Key) Key {
	return DecryptBlock(kek, src)
}

// PersonalizedMasterKey returns the master key an extended key of the given
// generation in a calibration record of the given version was sealed with,
// using local master key material and the donor's device key. For records
// older than version 9, or when any of the ingredients is missing, the local
// master key 0 is returned and personalized is false.
func PersonalizedMasterKey(local, donor *KeySet, version uint32, generation uint8) (key Key, personalized bool) {
	key = local.MasterKeys[0]
	if version < 9 {
		return key, false
	}
	offset := generation - 3
	if offset >= 8 || local.MasterKeys[offset].IsZero() {
		return key, false
	}
	if donor == nil || donor.DeviceKey4x.IsZero() {
		return key, false
	}
	srcsrc, err := local.Source(fmt.Sprintf("device_master_key_source_source_%02x", offset))
	if err != nil {
		return key, false
	}
	kekSrc, err := local.Source(fmt.Sprintf("device_master_kek_source_%02x", offset))
	if err != nil {
		return key, false
	}

	temp := DecryptBlock(donor.DeviceKey4x, srcsrc)
	kek := Unwrap(local.MasterKeys[0], kekSrc)
	return DecryptBlock(kek, temp), true
}
