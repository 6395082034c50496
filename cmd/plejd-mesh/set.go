package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/plejd-mesh/internal/ble/protocol"
)

// confirmTimeout bounds the wait for the mesh to report the new state.
const confirmTimeout = 3 * time.Second

func setCmd(flags *globalFlags) *cobra.Command {
	var brightness int

	cmd := &cobra.Command{
		Use:   "set <address> <on|off>",
		Short: "Switch a device on or off",
		Example: `  plejd-mesh set 11 on
  plejd-mesh set 11 on --brightness 128
  plejd-mesh set 11 off`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("address must be 0-255, got %q", args[0])
			}
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("state must be on or off, got %q", args[1])
			}
			dim := protocol.NoDim
			if cmd.Flags().Changed("brightness") {
				if brightness < 0 || brightness > 255 {
					return fmt.Errorf("brightness must be 0-255, got %d", brightness)
				}
				dim = protocol.DimLevel(uint8(brightness))
			}

			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, _, err := openSite(ctx, cfg)
			if err != nil {
				return err
			}
			m, err := newManager(cfg, s, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer m.Stop()

			if err := connect(ctx, m); err != nil {
				return err
			}

			reports := make(chan protocol.StateEvent, 1)
			unsubscribe := m.Dispatcher().SubscribeState(uint8(address), func(ev protocol.StateEvent) {
				select {
				case reports <- ev:
				default:
				}
			})
			defer unsubscribe()

			if on {
				err = m.TurnOn(uint8(address), dim)
			} else {
				err = m.TurnOff(uint8(address))
			}
			if err != nil {
				return err
			}

			select {
			case ev := <-reports:
				fmt.Printf("Device %d is %s\n", address, describeState(ev))
			case <-time.After(confirmTimeout):
				if ev, ok := m.Dispatcher().LastState(uint8(address)); ok {
					fmt.Printf("Device %d is %s\n", address, describeState(ev))
				} else {
					fmt.Printf("Device %d switched %s (not confirmed by the mesh)\n", address, args[1])
				}
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&brightness, "brightness", "b", 0, "brightness level 0-255 (dimmable devices only)")

	return cmd
}

func describeState(ev protocol.StateEvent) string {
	if !ev.On {
		return "off"
	}
	if ev.HasDim {
		return fmt.Sprintf("on (brightness %d)", ev.Brightness())
	}
	return "on"
}
