package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/store"
)

var cal0Cmd = &cobra.Command{
	Use:   "cal0",
	Short: "PRODINFO calibration record",
}

// readRecord reads a record from a file, or from the attached console if
// args is empty.
func readRecord(args []string) (cal0.Record, error) {
	if len(args) > 0 {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("could not read record: %w", err)
		}
		return cal0.Record(b), nil
	}
	app, err := newApp(true)
	if err != nil {
		return nil, err
	}
	defer app.Close()
	return app.ReadCalibration()
}

// reportFindings logs every integrity finding of r and returns false if
// there were any.
func reportFindings(r cal0.Record) bool {
	err := cal0.Validate(r)
	if err == nil {
		return true
	}
	if merr, ok := err.(*multierror.Error); ok {
		for _, e := range merr.Errors {
			slog.Warn("Integrity finding", "err", e)
		}
	} else {
		slog.Warn("Integrity finding", "err", err)
	}
	return false
}

var cal0InfoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show calibration record",
	Long:  "Print the interesting fields of a calibration record, read from a file or from the console.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecord(args)
		if err != nil {
			return err
		}
		sum, err := cal0.Summarize(rec)
		if err != nil {
			return err
		}
		sum.Debug(os.Stdout)
		reportFindings(rec)
		return nil
	},
}

var cal0VerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify calibration record",
	Long:  "Check the magic, field checksums and hashes of a calibration record, read from a file or from the console.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecord(args)
		if err != nil {
			return err
		}
		clean := reportFindings(rec)
		if !cal0.Verify(rec) {
			return fmt.Errorf("record does not verify")
		}
		if clean {
			slog.Info("Record verifies, no findings")
		} else {
			slog.Info("Record verifies, see findings above")
		}
		return nil
	},
}

var cal0BuildCmd = &cobra.Command{
	Use:   "build [output]",
	Short: "Build calibration record",
	Long: `Build a new calibration record for a console from scratch, or carry the
game card certificate and key over from a donor record (--donor). The console's
master_key_00 must be correct. Without --device-id, the device id is taken from
the record currently on the console.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var deviceID uint64
		if flagDeviceID != "" {
			id, err := strconv.ParseUint(flagDeviceID, 16, 64)
			if err != nil {
				return fmt.Errorf("invalid device id")
			}
			deviceID = id
		}
		lcd, err := parseNumber(flagLcdVendor)
		if err != nil {
			return fmt.Errorf("invalid LCD vendor id")
		}

		app, err := newApp(deviceID == 0)
		if err != nil {
			return err
		}
		defer app.Close()

		b, err := app.Builder(deviceID, lcd)
		if err != nil {
			return err
		}
		if err := store.BuildCalibration(b, flagDonor, args[0]); err != nil {
			return fmt.Errorf("could not build record: %w", err)
		}
		slog.Info("Done!", "file", args[0])
		return nil
	},
}

var cal0BackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up calibration record",
	Long:  "Save the calibration record of the console, with a manifest, rotating any previous backup.",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		p, err := app.Backup(flagForce)
		if err != nil {
			return err
		}
		slog.Info("Done!", "file", p)
		return nil
	},
}

var cal0RestoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restore calibration record",
	Long:  "Write a calibration backup back to PRODINFO. Backups that do not verify are refused.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := confirm(fmt.Sprintf("overwrite PRODINFO with %s", args[0])); err != nil {
			return err
		}
		if err := app.Restore(args[0]); err != nil {
			return fmt.Errorf("could not restore: %w", err)
		}
		slog.Info("Done!")
		return nil
	},
}

var cal0IncognitoCmd = &cobra.Command{
	Use:   "incognito",
	Short: "Blank personal data in calibration record",
	Long:  "Replace the serial number with a placeholder and erase the certificates and keys that identify the console. A backup is taken first.",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := confirm("erase the identity of this console from PRODINFO"); err != nil {
			return err
		}
		backup, err := app.Incognito()
		if backup != "" {
			slog.Info("Backed up calibration", "file", backup)
		}
		if err != nil {
			return err
		}
		slog.Info("Done!")
		return nil
	},
}
