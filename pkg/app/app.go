// Package app ties a storage backend, key material and the artifact store
// together into the operations the calkit commands run.
package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/keys"
	"github.com/lsrcm/calkit/pkg/partition"
	"github.com/lsrcm/calkit/pkg/store"
)

var ErrNoStorage = errors.New("no storage attached")

type App struct {
	Storage devices.Storage
	Kind    devices.Kind
	Keys    *keys.KeySet
	// DonorKeys may be nil if there is no donor key file.
	DonorKeys *keys.KeySet
	// OutDir overrides the per-console artifact directory.
	OutDir string

	closers []func() error
}

// OnClose registers f to be run by Close, in reverse registration order.
func (a *App) OnClose(f func() error) {
	a.closers = append(a.closers, f)
}

func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	a.closers = nil
	return errs
}

// LoadKeys reads the local key file and, if one exists at donorPath, the
// donor key file.
func LoadKeys(path, donorPath string) (local, donor *keys.KeySet, err error) {
	local, err = keys.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if donorPath == "" {
		return local, nil, nil
	}
	donor, err = keys.Load(donorPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		glog.V(1).Infof("No donor keys at %s", donorPath)
		return local, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("donor keys: %w", err)
	}
	return local, donor, nil
}

// Serial returns the eMMC serial of the attached storage.
func (a *App) Serial() (uint32, error) {
	if a.Storage == nil {
		return 0, ErrNoStorage
	}
	if err := a.Storage.Init(); err != nil {
		return 0, fmt.Errorf("could not initialize storage: %w", err)
	}
	serial := a.Storage.Serial()
	if err := a.Storage.End(); err != nil {
		return 0, fmt.Errorf("could not release storage: %w", err)
	}
	return serial, nil
}

// Store returns where artifacts of the attached console go.
func (a *App) Store() (*store.Store, error) {
	if a.OutDir != "" {
		return store.New(a.OutDir), nil
	}
	serial, err := a.Serial()
	if err != nil {
		return nil, err
	}
	return store.New(store.DeviceDir(serial)), nil
}

func (a *App) withCalibration(fn func(s *partition.Session) error) (err error) {
	if a.Storage == nil {
		return ErrNoStorage
	}
	s, err := partition.Open(a.Storage, a.Keys, partition.ProdInfo, partition.Options{
		OpenDevice:             true,
		Decrypt:                true,
		VerifyCalibrationMagic: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(partition.CloseAll); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	return fn(s)
}

// ReadCalibration reads the record stored in PRODINFO.
func (a *App) ReadCalibration() (cal0.Record, error) {
	var rec cal0.Record
	err := a.withCalibration(func(s *partition.Session) error {
		var err error
		rec, err = partition.ReadCalibration(s, a.Keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteCalibration replaces the record stored in PRODINFO. Callers are
// expected to have taken a backup first.
func (a *App) WriteCalibration(rec cal0.Record) error {
	return a.withCalibration(func(s *partition.Session) error {
		return partition.WriteCalibration(s, a.Keys, rec)
	})
}

// Backup saves the current record into the artifact store and returns the
// path it was written to.
func (a *App) Backup(force bool) (string, error) {
	rec, err := a.ReadCalibration()
	if err != nil {
		return "", fmt.Errorf("could not read calibration: %w", err)
	}
	serial, err := a.Serial()
	if err != nil {
		return "", err
	}
	st := store.New(store.DeviceDir(serial))
	if a.OutDir != "" {
		st = store.New(a.OutDir)
	}
	return st.SaveBackup(a.Kind, serial, rec, force)
}

// Restore writes a backup back to PRODINFO. Backups that do not verify are
// refused.
func (a *App) Restore(path string) error {
	rec, m, err := store.LoadBackup(path)
	if err != nil {
		return err
	}
	if m != nil {
		serial, err := a.Serial()
		if err != nil {
			return err
		}
		if want := fmt.Sprintf("%08x", serial); m.EMMCSerial != want {
			glog.Warningf("Backup was taken from eMMC %s, restoring to %s", m.EMMCSerial, want)
		}
	}
	return a.WriteCalibration(rec)
}

// Incognito backs up the current record, then blanks its personal data.
func (a *App) Incognito() (backup string, err error) {
	backup, err = a.Backup(false)
	if err != nil {
		return "", fmt.Errorf("refusing to patch without a backup: %w", err)
	}
	rec, err := a.ReadCalibration()
	if err != nil {
		return backup, err
	}
	serial := cal0.SysMMCSerial
	if a.Kind == devices.EmuMMC {
		serial = cal0.EmuMMCSerial
	}
	if err := cal0.Incognito(rec, serial); err != nil {
		return backup, err
	}
	if !cal0.Verify(rec) {
		return backup, fmt.Errorf("patched record does not verify, not writing it")
	}
	return backup, a.WriteCalibration(rec)
}

// DeviceID reads the device id out of the certificate of the current
// record.
func (a *App) DeviceID() (uint64, error) {
	rec, err := a.ReadCalibration()
	if err != nil {
		return 0, err
	}
	sum, err := cal0.Summarize(rec)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(sum.DeviceID, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("record carries no device id (%q)", sum.DeviceID)
	}
	return id, nil
}

// Builder returns a calibration builder for this console. A zero deviceID
// is taken from the current record.
func (a *App) Builder(deviceID uint64, lcdVendorID uint32) (*cal0.Builder, error) {
	if deviceID == 0 {
		id, err := a.DeviceID()
		if err != nil {
			return nil, fmt.Errorf("could not determine device id, pass one explicitly: %w", err)
		}
		glog.Infof("Using device id %s from current record", cal0.DeviceIDString(id))
		deviceID = id
	}
	return &cal0.Builder{
		Keys:        a.Keys,
		DonorKeys:   a.DonorKeys,
		DeviceID:    deviceID,
		LcdVendorID: lcdVendorID,
	}, nil
}
