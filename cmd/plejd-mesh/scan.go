package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/plejd-mesh/internal/ble"
)

func scanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List mesh nodes advertising the Plejd service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Scanning for %s...\n", cfg.BLE.ScanTimeout)
			devices, err := ble.ScanForNodes(ctx, ble.NewTinygoAdapter(), cfg.BLE.ScanTimeout)
			if err != nil {
				return err
			}
			candidates := ble.NewCandidates()
			for _, dev := range devices {
				candidates.Add(dev)
			}
			printNodes(candidates.Ranked())
			return nil
		},
	}
}

func printNodes(nodes []ble.Device) {
	if len(nodes) == 0 {
		fmt.Println("No Plejd nodes found.")
		return
	}
	fmt.Printf("Found %d node(s), strongest first:\n", len(nodes))
	for i, n := range nodes {
		name := n.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %2d. %-20s %s  %4d dBm\n", i+1, name, n.MAC, n.RSSI)
	}
}

