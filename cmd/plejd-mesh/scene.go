package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func sceneCmd(flags *globalFlags) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "scene [index]",
		Short: "Activate a scene, or list scenes with --list",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if list || len(args) == 0 {
				if len(s.Scenes) == 0 {
					fmt.Println("No scenes defined.")
					return nil
				}
				for _, sc := range s.Scenes {
					fmt.Printf("  %3d  %s\n", sc.Index, sc.Title)
				}
				return nil
			}

			index, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("scene index must be 0-255, got %q", args[0])
			}

			m, err := newManager(cfg, s, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer m.Stop()

			if err := connect(ctx, m); err != nil {
				return err
			}
			if err := m.ActivateScene(uint8(index)); err != nil {
				return err
			}
			fmt.Printf("Scene %d activated\n", index)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&list, "list", "l", false, "list the site's scenes")

	return cmd
}
