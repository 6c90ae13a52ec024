package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsrcm/calkit/pkg/partition"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [partition] [file]",
	Short: "Dump partition to file",
	Long:  "Copy a whole eMMC partition (BOOT0, BOOT1 or any GPT partition of the user area) to a file, decrypting BIS partitions unless --raw is given. Files ending in .xz are compressed.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		name, path := args[0], args[1]
		start := time.Now()
		if err := partition.FlashOrDump(app.Storage, app.Keys, partition.Dump, path, name, flagRaw, progress("Dumping...")); err != nil {
			return fmt.Errorf("could not dump %s: %w", name, err)
		}
		slog.Info("Done!", "partition", name, "file", path, "seconds", int(time.Since(start).Seconds()))
		return nil
	},
}

var flashCmd = &cobra.Command{
	Use:   "flash [file] [partition]",
	Short: "Flash file to partition",
	Long:  "Write a file to an eMMC partition, encrypting it for BIS partitions unless --raw is given. The file must be a whole number of sectors and fit the partition. Flashing PRODINFO takes a calibration backup first.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		path, name := args[0], args[1]
		if err := confirm(fmt.Sprintf("overwrite %s with %s", name, path)); err != nil {
			return err
		}
		if name == partition.ProdInfo {
			p, err := app.Backup(false)
			if err != nil {
				return fmt.Errorf("refusing to flash %s without a backup: %w", name, err)
			}
			slog.Info("Backed up calibration", "file", p)
		}

		start := time.Now()
		if err := partition.FlashOrDump(app.Storage, app.Keys, partition.Flash, path, name, flagRaw, progress("Flashing...")); err != nil {
			return fmt.Errorf("could not flash %s: %w", name, err)
		}
		slog.Info("Done!", "partition", name, "file", path, "seconds", int(time.Since(start).Seconds()))
		return nil
	},
}
