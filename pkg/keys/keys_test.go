package keys

import (
	"errors"
	"strings"
	"testing"
)

const testKeys = `
; comment
master_key_00 = 000102030405060708090a0b0c0d0e0f
master_key_05 = 101112131415161718191A1B1C1D1E1F
bis_key_00 = 00112233445566778899aabbccddeeffffeeddccbbaa99887766554433221100
header_key = 00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff
device_key_4x = 202122232425262728292a2b2c2d2e2f
eticket_rsa_kek_source = 303132333435363738393a3b3c3d3e3f
`

func TestParse(t *testing.T) {
	ks, err := Parse(strings.NewReader(testKeys))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ks.MasterKeys[0][1] != 0x01 || ks.MasterKeys[5][15] != 0x1f {
		t.Errorf("master keys not parsed: %s %s", ks.MasterKeys[0], ks.MasterKeys[5])
	}
	if _, err := ks.MasterKey(1); !errors.Is(err, ErrMissingKey) {
		t.Errorf("master_key_01: got %v, want ErrMissingKey", err)
	}
	b, err := ks.BISKey(0)
	if err != nil {
		t.Fatalf("BISKey(0): %v", err)
	}
	if b.Crypt[0] != 0x00 || b.Crypt[15] != 0xff || b.Tweak[0] != 0xff || b.Tweak[15] != 0x00 {
		t.Errorf("bis key split wrong: %s / %s", b.Crypt, b.Tweak)
	}
	if _, err := ks.BISKey(2); !errors.Is(err, ErrMissingKey) {
		t.Errorf("bis_key_02: got %v", err)
	}
	if ks.DeviceKey4x.IsZero() {
		t.Errorf("device_key_4x not parsed")
	}
	if _, err := ks.Source("eticket_rsa_kek_source"); err != nil {
		t.Errorf("Source: %v", err)
	}
	if _, ok := ks.Sources["header_key"]; ok {
		t.Errorf("32-byte header_key stored as a source")
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"master_key_00 = 0011",
		"bis_key_01 = 00112233445566778899aabbccddeeff",
		"master_key_00 = zz",
		"no separator here",
		"master_key_40 = 000102030405060708090a0b0c0d0e0f",
	} {
		if _, err := Parse(strings.NewReader(in)); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestBlockRoundTrip(t *testing.T) {
	k := Key{1, 2, 3}
	b := Key{0xde, 0xad, 0xbe, 0xef}
	if got := DecryptBlock(k, EncryptBlock(k, b)); got != b {
		t.Errorf("got %s, want %s", got, b)
	}
}

func TestPersonalizedMasterKey(t *testing.T) {
	local := &KeySet{Sources: map[string]Key{
		"device_master_key_source_source_02": {0xaa},
		"device_master_kek_source_02":        {0xbb},
	}}
	local.MasterKeys[0] = Key{0x01}
	local.MasterKeys[2] = Key{0x02}
	donor := &KeySet{DeviceKey4x: Key{0x44}}

	if k, ok := PersonalizedMasterKey(local, donor, 8, 5); ok || k != local.MasterKeys[0] {
		t.Errorf("version 8 personalized")
	}
	if k, ok := PersonalizedMasterKey(local, donor, 9, 2); ok || k != local.MasterKeys[0] {
		t.Errorf("generation below 3 personalized")
	}
	if _, ok := PersonalizedMasterKey(local, donor, 9, 4); ok {
		t.Errorf("generation with missing master key personalized")
	}
	if _, ok := PersonalizedMasterKey(local, &KeySet{}, 9, 5); ok {
		t.Errorf("personalized without donor device key")
	}

	k, ok := PersonalizedMasterKey(local, donor, 10, 5)
	if !ok {
		t.Fatalf("generation 5 not personalized")
	}
	temp := DecryptBlock(donor.DeviceKey4x, Key{0xaa})
	kek := DecryptBlock(local.MasterKeys[0], Key{0xbb})
	if want := DecryptBlock(kek, temp); k != want {
		t.Errorf("got %s, want %s", k, want)
	}
}
