package partition

import (
	"encoding/binary"
	"fmt"

	"github.com/lsrcm/calkit/pkg/bis"
	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/keys"
)

// ReadCalibration reads the CAL0 record off an open PRODINFO session. If the
// session has no cipher bound, the record is read raw and decrypted in one
// pass.
func ReadCalibration(s *Session, ks *keys.KeySet) (cal0.Record, error) {
	if s.Name != ProdInfo {
		return nil, fmt.Errorf("%s does not hold the calibration record", s.Name)
	}
	if s.IO == nil {
		return nil, ErrClosed
	}
	b, err := s.IO.ReadRange(0, cal0.CalibrationSize, nil)
	if err != nil {
		return nil, err
	}
	if !s.EncryptionBound() {
		k, err := BISKey(ks, ProdInfo)
		if err != nil {
			return nil, err
		}
		if err := bis.DecryptBlob(k, b); err != nil {
			return nil, fmt.Errorf("could not decrypt calibration: %w", err)
		}
	}
	if magic := binary.LittleEndian.Uint32(b); magic != cal0.Magic {
		return nil, fmt.Errorf("%s: %w (0x%08x)", s.Name, ErrBadCalibrationMagic, magic)
	}
	return cal0.Record(b), nil
}

// WriteCalibration writes rec to the start of an open PRODINFO session,
// encrypting it first if the session has no cipher bound.
func WriteCalibration(s *Session, ks *keys.KeySet, rec cal0.Record) error {
	if s.Name != ProdInfo {
		return fmt.Errorf("%s does not hold the calibration record", s.Name)
	}
	if s.IO == nil {
		return ErrClosed
	}
	if len(rec) < cal0.CalibrationSize || int64(len(rec)) > s.Size {
		return fmt.Errorf("record of 0x%x bytes does not fit %s", len(rec), s.Name)
	}
	if _, err := cal0.ReadHeader(rec); err != nil {
		return err
	}
	b := append([]byte(nil), rec...)
	if !s.EncryptionBound() {
		k, err := BISKey(ks, ProdInfo)
		if err != nil {
			return err
		}
		if err := bis.EncryptBlob(k, b); err != nil {
			return fmt.Errorf("could not encrypt calibration: %w", err)
		}
	}
	return s.IO.WriteRange(0, b, nil)
}
