// Package store keeps the files calkit produces on the host: key files,
// calibration backups with their manifests, and partition dumps.
package store

import (
	"fmt"
	"os"
	"path"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
)

const appName = "calkit"

// ConfigPath returns the path of a configuration file, eg. prod.keys.
func ConfigPath(name string) string {
	return path.Join(xdg.ConfigHome, appName, name)
}

func DefaultKeys() string {
	return ConfigPath("prod.keys")
}

func DefaultDonorKeys() string {
	return ConfigPath("donor.keys")
}

// DeviceDir is where artifacts of the console with the given eMMC serial are
// kept by default.
func DeviceDir(serial uint32) string {
	return path.Join(xdg.DataHome, appName, fmt.Sprintf("%08x", serial))
}

// Store is a directory of artifacts.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) Path(name string) string {
	return path.Join(s.Dir, name)
}

// rotate moves the file at p out of the way, to the first free p.N, and
// returns where it went. Nothing happens if there is no file at p.
func rotate(p string) (string, error) {
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return "", nil
	}
	for i := 1; ; i++ {
		dst := fmt.Sprintf("%s.%d", p, i)
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			if err := os.Rename(p, dst); err != nil {
				return "", fmt.Errorf("could not rotate %s: %w", p, err)
			}
			glog.Infof("Moved previous %s to %s", path.Base(p), dst)
			return dst, nil
		}
	}
}
