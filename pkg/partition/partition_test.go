package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-fs/fat"

	"github.com/lsrcm/calkit/pkg/bis"
	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/gpt"
	"github.com/lsrcm/calkit/pkg/keys"
	"github.com/lsrcm/calkit/pkg/store"
)

const (
	diskSectors = 0x8200
	plainName   = "BCPKG2-1-Normal-Main"
)

var layout = []gpt.Partition{
	{Name: ProdInfo, FirstLBA: 0x40, LastLBA: 0x7f},
	{Name: ProdInfoF, FirstLBA: 0x80, LastLBA: 0xbf},
	{Name: Safe, FirstLBA: 0xc0, LastLBA: 0xff},
	{Name: System, FirstLBA: 0x100, LastLBA: 0x80ff},
	{Name: User, FirstLBA: 0x8100, LastLBA: 0x813f},
	{Name: plainName, FirstLBA: 0x8140, LastLBA: 0x817f},
}

func span(m *devices.Memory, name string) []byte {
	for _, p := range layout {
		if p.Name == name {
			return m.Parts[devices.User][p.FirstLBA*devices.SectorSize : (p.LastLBA+1)*devices.SectorSize]
		}
	}
	panic("no partition " + name)
}

func newTestStorage(t *testing.T) (*devices.Memory, *keys.KeySet) {
	t.Helper()
	m := devices.NewMemory(diskSectors*devices.SectorSize, 4)
	table, err := gpt.Marshal(layout, diskSectors)
	if err != nil {
		t.Fatalf("gpt.Marshal: %v", err)
	}
	copy(m.Parts[devices.User], table)
	ks := &keys.KeySet{}
	for i := range ks.BIS {
		ks.BIS[i] = keys.BISKey{
			Crypt: keys.Key{byte(i), 0xc0},
			Tweak: keys.Key{byte(i), 0x7e},
		}
	}
	return m, ks
}

// writeMagic puts an encrypted record consisting only of a header into
// PRODINFO.
func writeMagic(t *testing.T, m *devices.Memory, ks *keys.KeySet) []byte {
	t.Helper()
	b := make([]byte, cal0.CalibrationSize)
	binary.LittleEndian.PutUint32(b, cal0.Magic)
	b[0x100] = 0x42
	plain := append([]byte(nil), b...)
	if err := bis.EncryptBlob(ks.BIS[0], b); err != nil {
		t.Fatalf("EncryptBlob: %v", err)
	}
	copy(span(m, ProdInfo), b)
	return plain
}

func TestBootArea(t *testing.T) {
	m, ks := newTestStorage(t)
	s, err := Open(m, ks, Boot1, Options{OpenDevice: true, Decrypt: true, MountFilesystem: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Mode != BootArea || s.Size != 4*devices.BootUnit || s.EncryptionBound() || s.FilesystemBound() {
		t.Errorf("session: mode %s, size 0x%x", s.Mode, s.Size)
	}
	if err := s.IO.WriteRange(0x201, []byte("boot"), nil); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	if got := string(m.Parts[devices.Boot1][0x201:0x205]); got != "boot" {
		t.Errorf("BOOT1 contents: %q", got)
	}
	if err := s.Close(CloseAll); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Open() || m.Ends != 1 {
		t.Errorf("device not released")
	}
}

func TestPlainPartition(t *testing.T) {
	m, ks := newTestStorage(t)
	s, err := Open(m, ks, plainName, Options{OpenDevice: true, Decrypt: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(CloseAll)
	if s.Mode != PlainGPT || s.Size != 0x40*devices.SectorSize {
		t.Errorf("session: mode %s, size 0x%x", s.Mode, s.Size)
	}
	if err := s.IO.WriteRange(s.Size-3, []byte("end"), nil); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	raw := span(m, plainName)
	if got := string(raw[len(raw)-3:]); got != "end" {
		t.Errorf("partition tail: %q", got)
	}
	if err := s.IO.WriteRange(s.Size-2, []byte("end"), nil); err == nil {
		t.Errorf("write past the end succeeded")
	}
}

func TestEncryptedPartition(t *testing.T) {
	m, ks := newTestStorage(t)
	s, err := Open(m, ks, Safe, Options{OpenDevice: true, Decrypt: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Mode != EncryptedGPT || !s.EncryptionBound() {
		t.Errorf("session: mode %s, encryption %v", s.Mode, s.EncryptionBound())
	}
	msg := []byte("across a cluster boundary")
	if err := s.IO.WriteRange(bis.ClusterSize-5, msg, nil); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	got, err := s.IO.ReadRange(bis.ClusterSize-5, int64(len(msg)), nil)
	if err != nil || !bytes.Equal(got, msg) {
		t.Errorf("ReadRange: %q, %v", got, err)
	}
	if err := s.Close(CloseAll); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw := append([]byte(nil), span(m, Safe)...)
	if bytes.Contains(raw, msg) {
		t.Errorf("plaintext on disk")
	}
	if err := bis.DecryptBlob(ks.BIS[1], raw); err != nil {
		t.Fatalf("DecryptBlob: %v", err)
	}
	if !bytes.Equal(raw[bis.ClusterSize-5:bis.ClusterSize-5+len(msg)], msg) {
		t.Errorf("SAFE not encrypted with bis_key_01")
	}

	s, err = Open(m, ks, Safe, Options{OpenDevice: true})
	if err != nil {
		t.Fatalf("Open raw: %v", err)
	}
	defer s.Close(CloseAll)
	if s.Mode != EncryptedGPT || s.EncryptionBound() {
		t.Errorf("raw session: mode %s, encryption %v", s.Mode, s.EncryptionBound())
	}
	got, err = s.IO.ReadRange(0, 0x200, nil)
	if err != nil || !bytes.Equal(got, span(m, Safe)[:0x200]) {
		t.Errorf("raw read does not match disk: %v", err)
	}
}

func TestUserKeyFallback(t *testing.T) {
	ks := &keys.KeySet{}
	ks.BIS[2] = keys.BISKey{Crypt: keys.Key{2}, Tweak: keys.Key{2}}
	k, err := BISKey(ks, User)
	if err != nil || k != ks.BIS[2] {
		t.Errorf("USER without bis_key_03: %v, %v", k, err)
	}
	ks.BIS[3] = keys.BISKey{Crypt: keys.Key{3}, Tweak: keys.Key{3}}
	if k, _ := BISKey(ks, User); k != ks.BIS[3] {
		t.Errorf("USER with bis_key_03 uses %v", k)
	}
	if _, err := BISKey(ks, Safe); !errors.Is(err, keys.ErrMissingKey) {
		t.Errorf("SAFE without key: %v", err)
	}
	if _, err := BISKey(ks, Boot0); err == nil {
		t.Errorf("BOOT0 has a BIS key")
	}
}

func TestCalibrationMagic(t *testing.T) {
	m, ks := newTestStorage(t)
	opts := Options{OpenDevice: true, Decrypt: true, VerifyCalibrationMagic: true}

	_, err := Open(m, ks, ProdInfo, opts)
	if !errors.Is(err, ErrBadCalibrationMagic) {
		t.Fatalf("Open of blank PRODINFO: %v", err)
	}
	if m.Open() || m.Inits != 1 || m.Ends != 1 {
		t.Errorf("device not released: inits %d, ends %d", m.Inits, m.Ends)
	}

	plain := writeMagic(t, m, ks)
	s, err := Open(m, ks, ProdInfo, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := ReadCalibration(s, ks)
	if err != nil {
		t.Fatalf("ReadCalibration: %v", err)
	}
	if !bytes.Equal(rec, plain) {
		t.Errorf("decrypted record differs")
	}
	s.Close(CloseAll)

	wrong := *ks
	wrong.BIS[0].Crypt[0] ^= 1
	if _, err := Open(m, &wrong, ProdInfo, opts); !errors.Is(err, ErrBadCalibrationMagic) {
		t.Errorf("Open with wrong key: %v", err)
	}
	if m.Open() || m.Ends != 3 {
		t.Errorf("device not released after wrong key: ends %d", m.Ends)
	}
}

func TestCalibrationRaw(t *testing.T) {
	m, ks := newTestStorage(t)
	plain := writeMagic(t, m, ks)

	// Whole-blob decryption of a raw read.
	s, err := Open(m, ks, ProdInfo, Options{OpenDevice: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := ReadCalibration(s, ks)
	if err != nil {
		t.Fatalf("ReadCalibration: %v", err)
	}
	if !bytes.Equal(rec, plain) {
		t.Errorf("decrypted record differs")
	}

	rec[0x100] = 0x43
	if err := WriteCalibration(s, ks, rec); err != nil {
		t.Fatalf("WriteCalibration: %v", err)
	}
	s.Close(CloseAll)

	s, err = Open(m, ks, ProdInfo, Options{OpenDevice: true, Decrypt: true, VerifyCalibrationMagic: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(CloseAll)
	b, err := s.IO.ReadRange(0x100, 1, nil)
	if err != nil || b[0] != 0x43 {
		t.Errorf("written record: %x, %v", b, err)
	}

	if err := WriteCalibration(s, ks, make(cal0.Record, cal0.CalibrationSize)); !errors.Is(err, cal0.ErrBadMagic) {
		t.Errorf("writing garbage: %v", err)
	}
}

func TestNotFound(t *testing.T) {
	m, ks := newTestStorage(t)
	if _, err := Open(m, ks, "NOPE", Options{OpenDevice: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open: %v", err)
	}
	if m.Open() {
		t.Errorf("device not released")
	}
}

func TestMountFailure(t *testing.T) {
	m, ks := newTestStorage(t)
	_, err := Open(m, ks, Safe, Options{OpenDevice: true, Decrypt: true, MountFilesystem: true})
	if !errors.Is(err, ErrMount) {
		t.Fatalf("Open of unformatted SAFE: %v", err)
	}
	if m.Open() || m.Ends != 1 {
		t.Errorf("device not released")
	}

	_, err = Open(m, ks, Safe, Options{OpenDevice: true, MountFilesystem: true})
	if !errors.Is(err, ErrMount) {
		t.Errorf("mount without cipher: %v", err)
	}
}

func TestFilesystem(t *testing.T) {
	m, ks := newTestStorage(t)
	s, err := Open(m, ks, System, Options{OpenDevice: true, Decrypt: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Format("SYSTEM", fat.FAT16); err != nil {
		t.Fatalf("Format: %v", err)
	}
	// Keep the device, drop the cipher.
	if err := s.Close(CloseOptions{Cipher: true}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.EncryptionBound() || !m.Open() {
		t.Fatalf("partial close released the wrong things")
	}

	data := []byte("calibration is fun\n")
	s, err = Open(m, ks, System, Options{Decrypt: true, MountFilesystem: true})
	if err != nil {
		t.Fatalf("Open with mount: %v", err)
	}
	if !s.FilesystemBound() || s.FS == nil {
		t.Fatalf("filesystem not mounted")
	}
	root, err := s.FS.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	e, err := root.AddFile("HELLO.TXT")
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	f, err := e.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(CloseOptions{Filesystem: true, Cipher: true}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.FS != nil {
		t.Errorf("filesystem still bound after close")
	}

	s, err = Open(m, ks, System, Options{Decrypt: true, MountFilesystem: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	root, err = s.FS.RootDir()
	if err != nil {
		t.Fatalf("RootDir: %v", err)
	}
	found := false
	for _, e := range root.Entries() {
		if !strings.EqualFold(e.Name(), "HELLO.TXT") {
			continue
		}
		found = true
		f, err := e.File()
		if err != nil {
			t.Fatalf("File: %v", err)
		}
		got := make([]byte, len(data))
		if _, err := io.ReadFull(f, got); err != nil || !bytes.Equal(got, data) {
			t.Errorf("file contents: %q, %v", got, err)
		}
	}
	if !found {
		t.Errorf("file not found after remount")
	}
	if err := s.Close(CloseAll); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Only the first session opened the device, and it kept it.
	if !m.Open() || m.Ends != 0 {
		t.Errorf("device released by a session that did not own it")
	}
}

func TestGuardOrder(t *testing.T) {
	var order []string
	var g guard
	for _, r := range []resource{device, cipherContext, filesystem} {
		r := r
		g.acquire(r, func() error {
			order = append(order, r.String())
			return nil
		})
	}
	if err := g.unwind(); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if got := strings.Join(order, ","); got != "filesystem,cipher,device" {
		t.Errorf("release order: %s", got)
	}
	if len(g.held) != 0 {
		t.Errorf("guard still holds %d", len(g.held))
	}

	order = nil
	failing := errors.New("stuck")
	g.acquire(device, func() error { order = append(order, "device"); return nil })
	g.acquire(cipherContext, func() error { return failing })
	err := g.unwind()
	if !errors.Is(err, failing) || len(order) != 1 {
		t.Errorf("unwind with failure: %v, released %v", err, order)
	}
}

func TestFlashOrDump(t *testing.T) {
	m, ks := newTestStorage(t)
	dir := t.TempDir()

	s, err := Open(m, ks, Safe, Options{OpenDevice: true, Decrypt: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := make([]byte, s.Size)
	for i := range want {
		want[i] = byte(i * 7)
	}
	if err := s.IO.WriteRange(0, want, nil); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	s.Close(CloseAll)

	for _, name := range []string{"safe.bin", "safe.bin.xz"} {
		p := filepath.Join(dir, name)
		calls := 0
		if err := FlashOrDump(m, ks, Dump, p, Safe, false, func(done, total int64) { calls++ }); err != nil {
			t.Fatalf("%s: dump: %v", name, err)
		}
		if calls == 0 {
			t.Errorf("%s: no progress reported", name)
		}
		if name == "safe.bin" {
			got, _ := os.ReadFile(p)
			if !bytes.Equal(got, want) {
				t.Errorf("%s: dump differs", name)
			}
		}

		// Flash the plaintext into USER, which has the same size.
		if err := FlashOrDump(m, ks, Flash, p, User, false, nil); err != nil {
			t.Fatalf("%s: flash: %v", name, err)
		}
		raw := append([]byte(nil), span(m, User)...)
		bis.DecryptBlob(ks.BIS[3], raw)
		if !bytes.Equal(raw, want) {
			t.Errorf("%s: flashed USER differs", name)
		}
	}

	enc := filepath.Join(dir, "safe.enc")
	if err := FlashOrDump(m, ks, Dump, enc, Safe, true, nil); err != nil {
		t.Fatalf("raw dump: %v", err)
	}
	if got, _ := os.ReadFile(enc); !bytes.Equal(got, span(m, Safe)) {
		t.Errorf("raw dump is not the ciphertext")
	}
	if m.Open() {
		t.Errorf("device left open")
	}
}

func TestFlashChecks(t *testing.T) {
	m, ks := newTestStorage(t)
	dir := t.TempDir()
	write := func(name string, n int) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, make([]byte, n), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	for _, c := range []struct {
		path string
		part string
		want error
	}{
		{write("empty", 0), Safe, ErrEmptyFile},
		{write("odd", 513), Safe, ErrUnaligned},
		{write("big", 0x41*devices.SectorSize), Safe, ErrTooLarge},
		{write("prodinfo", cal0.CalibrationSize), ProdInfo, ErrBadCalibrationMagic},
	} {
		m.ResetOps()
		err := FlashOrDump(m, ks, Flash, c.path, c.part, false, nil)
		if !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", filepath.Base(c.path), err, c.want)
		}
		for _, op := range m.Ops {
			if op.Write {
				t.Errorf("%s: sector written despite failure", filepath.Base(c.path))
				break
			}
		}
	}
	if m.Open() {
		t.Errorf("device left open")
	}
	if err := FlashOrDump(m, ks, Dump, filepath.Join(dir, "out", "x.bin"), "NOPE", false, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("dump of unknown partition: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "x.bin")); err == nil {
		t.Errorf("output created for failed dump")
	}
}

func TestFlashUntrustedCalibration(t *testing.T) {
	m, ks := newTestStorage(t)
	writeMagic(t, m, ks)
	dir := t.TempDir()

	rec := make(cal0.Record, cal0.CalibrationSize)
	binary.LittleEndian.PutUint32(rec, cal0.Magic)
	binary.LittleEndian.PutUint32(rec[8:], cal0.CalibrationSize-cal0.BodyOffset)
	rec[0x250] = 0x42
	if err := cal0.Finalize(rec); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	good := filepath.Join(dir, "good.bin")
	if err := os.WriteFile(good, rec, 0644); err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), rec...)
	corrupt[0x250] ^= 0xff
	bad := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(bad, corrupt, 0644); err != nil {
		t.Fatal(err)
	}

	before := append([]byte(nil), span(m, ProdInfo)...)
	m.ResetOps()
	if err := FlashOrDump(m, ks, Flash, bad, ProdInfo, false, nil); !errors.Is(err, store.ErrUntrusted) {
		t.Fatalf("flash of corrupt record: got %v, want ErrUntrusted", err)
	}
	for _, op := range m.Ops {
		if op.Write {
			t.Fatalf("sector written for a corrupt record")
		}
	}
	if !bytes.Equal(span(m, ProdInfo), before) {
		t.Errorf("PRODINFO changed by a rejected flash")
	}

	if err := FlashOrDump(m, ks, Flash, good, ProdInfo, false, nil); err != nil {
		t.Fatalf("flash of valid record: %v", err)
	}
	got := append([]byte(nil), span(m, ProdInfo)[:cal0.CalibrationSize]...)
	if err := bis.DecryptBlob(ks.BIS[0], got); err != nil {
		t.Fatalf("DecryptBlob: %v", err)
	}
	if !bytes.Equal(got, rec) {
		t.Errorf("flashed PRODINFO differs from the record")
	}

	// Ciphertext images are not checked.
	if err := FlashOrDump(m, ks, Flash, bad, ProdInfo, true, nil); err != nil {
		t.Errorf("raw flash: %v", err)
	}
	if m.Open() {
		t.Errorf("device left open")
	}
}
