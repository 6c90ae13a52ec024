package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"howett.net/plist"

	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/devices"
)

var ErrUntrusted = errors.New("calibration record does not verify")

// Manifest describes a calibration backup. It is kept next to it as a
// property list.
type Manifest struct {
	Source     string    `plist:"Source"`
	Serial     string    `plist:"SerialNumber"`
	DeviceID   string    `plist:"DeviceID"`
	Version    int       `plist:"Version"`
	BodyHash   string    `plist:"BodyHash"`
	EMMCSerial string    `plist:"EMMCSerial"`
	Created    time.Time `plist:"Created"`
	Verified   bool      `plist:"Verified"`
}

// BackupName is the file name of the calibration backup of a storage kind.
func BackupName(kind devices.Kind) string {
	if kind == devices.EmuMMC {
		return "prodinfo_emunand.bin"
	}
	return "prodinfo_sysnand.bin"
}

func manifestPath(p string) string {
	return p + ".plist"
}

// SaveBackup stores the first CalibrationSize bytes of rec, moving any
// previous backup aside. Records that do not verify are refused unless
// force is set.
func (s *Store) SaveBackup(kind devices.Kind, emmcSerial uint32, rec cal0.Record, force bool) (string, error) {
	if len(rec) < cal0.CalibrationSize {
		return "", fmt.Errorf("record too short (0x%x bytes)", len(rec))
	}
	verified := cal0.Verify(rec)
	if !verified {
		if !force {
			return "", ErrUntrusted
		}
		glog.Warningf("Saving a calibration record that does not verify")
	}
	sum, err := cal0.Summarize(rec)
	if err != nil {
		return "", err
	}

	p := s.Path(BackupName(kind))
	if moved, err := rotate(p); err != nil {
		return "", err
	} else if moved != "" {
		if err := os.Rename(manifestPath(p), manifestPath(moved)); err != nil && !os.IsNotExist(err) {
			glog.Warningf("Could not move previous manifest: %v", err)
		}
	}
	if err := WriteFile(p, rec[:cal0.CalibrationSize]); err != nil {
		return "", err
	}

	m := Manifest{
		Source:     kind.String(),
		Serial:     sum.Serial,
		DeviceID:   sum.DeviceID,
		Version:    int(sum.Version),
		BodyHash:   hex.EncodeToString(sum.BodyHash),
		EMMCSerial: fmt.Sprintf("%08x", emmcSerial),
		Created:    time.Now().UTC().Truncate(time.Second),
		Verified:   verified,
	}
	mb, err := plist.MarshalIndent(&m, plist.XMLFormat, "\t")
	if err != nil {
		return "", fmt.Errorf("could not marshal manifest: %w", err)
	}
	if err := WriteFile(manifestPath(p), mb); err != nil {
		return "", err
	}
	glog.Infof("Saved calibration backup to %s", p)
	return p, nil
}

// LoadBackup reads a calibration backup. The record must verify. The
// manifest is nil if there is none.
func LoadBackup(p string) (cal0.Record, *Manifest, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read backup: %w", err)
	}
	if len(b) < cal0.CalibrationSize {
		return nil, nil, fmt.Errorf("%s: backup too short (0x%x bytes)", p, len(b))
	}
	rec := cal0.Record(b)
	if !cal0.Verify(rec) {
		return nil, nil, fmt.Errorf("%s: %w", p, ErrUntrusted)
	}

	mb, err := os.ReadFile(manifestPath(p))
	if os.IsNotExist(err) {
		return rec, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not read manifest: %w", err)
	}
	var m Manifest
	if _, err := plist.Unmarshal(mb, &m); err != nil {
		return nil, nil, fmt.Errorf("could not parse manifest: %w", err)
	}
	return rec, &m, nil
}
