package store

import (
	"fmt"
	"os"

	"github.com/lsrcm/calkit/pkg/cal0"
)

// BuildCalibration builds a record and writes it to out. donorPath may be
// empty. A donor of the wrong size is rejected before anything is built,
// and out is only created once the record is complete.
func BuildCalibration(b *cal0.Builder, donorPath, out string) error {
	var donor cal0.Record
	if donorPath != "" {
		st, err := os.Stat(donorPath)
		if err != nil {
			return fmt.Errorf("could not open donor: %w", err)
		}
		if err := cal0.CheckDonorSize(st.Size()); err != nil {
			return fmt.Errorf("%s: %w", donorPath, err)
		}
		donor, err = os.ReadFile(donorPath)
		if err != nil {
			return fmt.Errorf("could not read donor: %w", err)
		}
	}
	rec, err := b.Build(donor)
	if err != nil {
		return err
	}
	return WriteFile(out, rec)
}
