package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lsrcm/calkit/pkg/cal0"
	"github.com/lsrcm/calkit/pkg/keys"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key files",
}

var sealSources = []string{
	"device_ecc_kek_source",
	"eticket_rsa_kek_source",
	"gamecard_kek_source",
	"ssl_rsa_kek_source",
}

func checkKeySet(label string, ks *keys.KeySet) {
	if err := cal0.CheckMasterKey(ks); err != nil {
		slog.Warn("Master key cannot be used to build records", "keys", label, "err", err)
	} else {
		slog.Info("Master key OK", "keys", label)
	}
	for i := range ks.BIS {
		if _, err := ks.BISKey(i); err != nil {
			slog.Warn("BIS key missing", "keys", label, "index", i)
		}
	}
	for _, name := range sealSources {
		if _, err := ks.Source(name); err != nil {
			slog.Warn("Seal source missing", "keys", label, "name", name)
		}
	}
	if ks.DeviceKey4x.IsZero() {
		slog.Warn("device_key_4x missing", "keys", label)
	}
}

var keysCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check key files",
	Long:  "Load the console and donor key files and report which of the keys calkit needs are missing or wrong.",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(false)
		if err != nil {
			return err
		}
		defer app.Close()

		checkKeySet(flagKeys, app.Keys)
		if app.DonorKeys == nil {
			fmt.Printf("No donor keys at %s\n", flagDonorKeys)
			return nil
		}
		checkKeySet(flagDonorKeys, app.DonorKeys)
		return nil
	},
}
