package bis

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/keys"
)

var testKey = keys.BISKey{
	Crypt: keys.Key{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
	Tweak: keys.Key{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00},
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestBlobRoundTrip(t *testing.T) {
	plain := randomBytes(2*ClusterSize, 1)
	buf := append([]byte(nil), plain...)
	if err := EncryptBlob(testKey, buf); err != nil {
		t.Fatalf("EncryptBlob: %v", err)
	}
	if bytes.Equal(buf, plain) {
		t.Fatalf("encryption was a no-op")
	}
	if err := DecryptBlob(testKey, buf); err != nil {
		t.Fatalf("DecryptBlob: %v", err)
	}
	if !bytes.Equal(buf, plain) {
		t.Errorf("round trip mismatch")
	}
}

// The first block of every data unit is plain AES with the big-endian unit
// number, encrypted under the tweak key, xored on both sides.
func TestFirstBlockTweak(t *testing.T) {
	buf := make([]byte, 2*ClusterSize)
	if err := EncryptBlob(testKey, buf); err != nil {
		t.Fatalf("EncryptBlob: %v", err)
	}
	tc, _ := aes.NewCipher(testKey.Tweak[:])
	cc, _ := aes.NewCipher(testKey.Crypt[:])
	var tw [16]byte
	binary.BigEndian.PutUint64(tw[8:], 1)
	tc.Encrypt(tw[:], tw[:])
	want := make([]byte, 16)
	cc.Encrypt(want, tw[:])
	for i := range want {
		want[i] ^= tw[i]
	}
	if got := buf[ClusterSize : ClusterSize+16]; !bytes.Equal(got, want) {
		t.Errorf("unit 1 block 0: got %x, want %x", got, want)
	}
}

// Crypting a piece in the middle of the area must give the same result as
// crypting everything at once.
func TestPartialMatchesWhole(t *testing.T) {
	plain := randomBytes(3*ClusterSize, 2)
	whole := append([]byte(nil), plain...)
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Crypt(whole, 0, false); err != nil {
		t.Fatalf("Crypt: %v", err)
	}
	off := ClusterSize - 512
	part := append([]byte(nil), plain[off:off+1024]...)
	if err := c.Crypt(part, int64(off), false); err != nil {
		t.Fatalf("Crypt: %v", err)
	}
	if !bytes.Equal(part, whole[off:off+1024]) {
		t.Errorf("partial encryption differs from whole-area encryption")
	}
	if err := c.Crypt(part, 3, false); err == nil {
		t.Errorf("unaligned offset accepted")
	}
}

func TestDevice(t *testing.T) {
	m := devices.NewMemory(4*ClusterSize, 0)
	m.Init()
	c, _ := New(testKey)
	d := &Device{Raw: m, Cipher: c}

	plain := randomBytes(3*devices.SectorSize, 3)
	if err := d.WriteSectors(31, 3, plain); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	raw := m.Parts[devices.User][31*devices.SectorSize : 34*devices.SectorSize]
	if bytes.Equal(raw, plain) {
		t.Fatalf("data stored in plaintext")
	}
	got := make([]byte, len(plain))
	if err := d.ReadSectors(31, 3, got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("read back mismatch")
	}

	blob := append([]byte(nil), m.Parts[devices.User][:4*ClusterSize]...)
	if err := DecryptBlob(testKey, blob); err != nil {
		t.Fatalf("DecryptBlob: %v", err)
	}
	if !bytes.Equal(blob[31*devices.SectorSize:34*devices.SectorSize], plain) {
		t.Errorf("whole-blob decrypt disagrees with sector device")
	}
}
