package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Load reads a prod.keys style file.
func Load(path string) (*KeySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open key file: %w", err)
	}
	defer f.Close()
	ks, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ks, nil
}

// Parse reads 'name = hex' lines. Blank lines and lines starting with ';' or
// '#' are ignored, as are [section] headers.
func Parse(r io.Reader) (*KeySet, error) {
	ks := &KeySet{
		Sources: make(map[string]Key),
	}
	s := bufio.NewScanner(r)
	lineno := 0
	for s.Scan() {
		lineno += 1
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == ';' || line[0] == '#' || line[0] == '[' {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected 'name = value'", lineno)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		raw, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: invalid hex: %w", lineno, name, err)
		}
		if err := ks.set(name, raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return ks, nil
}

func indexed(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	i, err := strconv.ParseUint(name[len(prefix):], 16, 8)
	if err != nil {
		return 0, false
	}
	return int(i), true
}

func (ks *KeySet) set(name string, raw []byte) error {
	if i, ok := indexed(name, "bis_key_"); ok {
		if i >= len(ks.BIS) {
			return fmt.Errorf("%s: index out of range", name)
		}
		if len(raw) != 32 {
			return fmt.Errorf("%s: %d bytes, want 32", name, len(raw))
		}
		copy(ks.BIS[i].Crypt[:], raw[:16])
		copy(ks.BIS[i].Tweak[:], raw[16:])
		return nil
	}

	mk, isMaster := indexed(name, "master_key_")
	if len(raw) != 16 {
		if isMaster || name == "device_key_4x" {
			return fmt.Errorf("%s: %d bytes, want 16", name, len(raw))
		}
		// Wider values (header_key, ...) are used by other tools.
		return nil
	}
	var k Key
	copy(k[:], raw)
	switch {
	case isMaster:
		if mk >= MasterKeyCount {
			return fmt.Errorf("%s: index out of range", name)
		}
		ks.MasterKeys[mk] = k
	case name == "device_key_4x":
		ks.DeviceKey4x = k
	default:
		ks.Sources[name] = k
	}
	return nil
}
