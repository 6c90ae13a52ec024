package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/partition"
)

var gptCmd = &cobra.Command{
	Use:   "gpt",
	Short: "List eMMC partitions",
	Long:  "Prints the boot partitions and the GUID partition table of the user area, and which partitions are BIS encrypted.",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		app, err := newApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		st := app.Storage
		if err := st.Init(); err != nil {
			return fmt.Errorf("could not initialize storage: %w", err)
		}
		defer st.End()

		boot := devices.BootSize(st)
		fmt.Printf("%-22s %10s  %s\n", "Name", "Size", "Addressing")
		fmt.Printf("%-22s %10d  %s\n", partition.Boot0, boot, partition.BootArea)
		fmt.Printf("%-22s %10d  %s\n", partition.Boot1, boot, partition.BootArea)

		t, err := partition.ReadTable(st)
		if err != nil {
			return err
		}
		for _, p := range t.Partitions {
			addressing := partition.PlainGPT
			if partition.IsEncrypted(p.Name) {
				addressing = partition.EncryptedGPT
			}
			fmt.Printf("%-22s %10d  %s (0x%08x-0x%08x)\n", p.Name, p.Size(), addressing, p.FirstLBA, p.LastLBA)
		}
		fmt.Printf("eMMC serial: %08x\n", st.Serial())
		return nil
	},
}
