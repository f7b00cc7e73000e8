package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHydra/pkg/bus"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List available bus controller bridges",
	Long: `Scan the host for USB bridges that can drive a hydra controller board (FTDI,
Cypress FX2, Pico) and print a summary. The simulated board is always listed.`,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := bus.DiscoverInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("discover interfaces: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No interfaces found.")
		return nil
	}

	fmt.Println("Detected bus interfaces:")
	for _, iface := range infos {
		if iface.Kind == bus.InterfaceKindSim {
			fmt.Printf("  - %s [%s]\n", iface.Label(), iface.Kind)
			continue
		}
		fmt.Printf("  - %s [%s] (VID:PID %04X:%04X, bus %d port %d)\n",
			iface.Label(), iface.Kind, iface.VendorID, iface.ProductID, iface.Bus, iface.Port)
	}

	return nil
}
