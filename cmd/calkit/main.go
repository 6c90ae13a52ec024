package main

import (
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lsrcm/calkit/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "calkit",
	Short: "calkit inspects, backs up, rebuilds and restores Switch calibration data",
	Long: `Works on the eMMC of a Nintendo Switch, either live over hekate's USB Mass
Storage or through a hekate-style eMMC backup directory. Reads and writes
BIS-encrypted partitions, dumps and flashes them, and manages the PRODINFO
calibration record: verification, backups, rebuilding from scratch or from a
donor, and blanking of personal data.

calkit comes with ABSOLUTELY NO WARRANTY. Writing to PRODINFO can render a
console unable to go online or boot. Keep backups.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

var (
	verboseLog    bool
	flagKeys      string
	flagDonorKeys string
	flagImage     string
	flagEmuMMC    bool
	flagOut       string
	flagYes       bool
	flagRaw       bool
	flagForce     bool
	flagDonor     string
	flagDeviceID  string
	flagLcdVendor string
)

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVarP(&flagKeys, "keys", "k", store.DefaultKeys(), "Path to prod.keys of the console")
	rootCmd.PersistentFlags().StringVar(&flagDonorKeys, "donor-keys", store.DefaultDonorKeys(), "Path to the keys of the console donor records come from")
	rootCmd.PersistentFlags().StringVarP(&flagImage, "image", "i", "", "Use a hekate eMMC backup directory (BOOT0, BOOT1, rawnand.bin) instead of a USB device")
	rootCmd.PersistentFlags().BoolVar(&flagEmuMMC, "emummc", false, "The storage is an emuMMC rather than the sysMMC")
	rootCmd.PersistentFlags().StringVarP(&flagOut, "out", "o", "", "Directory for backups and generated files (default: per-console directory under XDG data home)")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false, "Do not ask for confirmation before writing to storage")

	dumpCmd.Flags().BoolVar(&flagRaw, "raw", false, "Copy BIS partitions as raw ciphertext")
	flashCmd.Flags().BoolVar(&flagRaw, "raw", false, "File holds raw ciphertext of a BIS partition")
	cal0BackupCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Save the record even if it does not verify")
	cal0BuildCmd.Flags().StringVarP(&flagDonor, "donor", "d", "", "Donor PRODINFO to carry the game card certificate and key over from")
	cal0BuildCmd.Flags().StringVar(&flagDeviceID, "device-id", "", "Device id to build for, in hex (default: read from the current record)")
	cal0BuildCmd.Flags().StringVar(&flagLcdVendor, "lcd-vendor", "0", "LCD vendor id to write")

	rootCmd.AddCommand(gptCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(flashCmd)
	cal0Cmd.AddCommand(cal0InfoCmd)
	cal0Cmd.AddCommand(cal0VerifyCmd)
	cal0Cmd.AddCommand(cal0BuildCmd)
	cal0Cmd.AddCommand(cal0BackupCmd)
	cal0Cmd.AddCommand(cal0RestoreCmd)
	cal0Cmd.AddCommand(cal0IncognitoCmd)
	rootCmd.AddCommand(cal0Cmd)
	keysCmd.AddCommand(keysCheckCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.Execute()
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func parseNumber(s string) (uint32, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid number")
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 32)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid number")
			}
		}
	}
	return uint32(res), nil
}
