package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// init: create the store, then publish the bundle and device list.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the store for an account and announce this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			if err := s.PublishBundle(cmd.Context(), true); err != nil {
				return err
			}
			if err := s.PublishOwnDevices(cmd.Context(), true); err != nil {
				return err
			}
			id, err := s.DeviceID()
			if err != nil {
				return err
			}
			fmt.Printf("device %d ready for %s\n", id, account)
			return nil
		},
	}
}

// publish: republish the bundle, rotating keys when due.
func publishCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Replenish prekeys and republish the bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Shutdown()
			if err := s.PublishBundle(cmd.Context(), force); err != nil {
				return err
			}
			return s.PublishOwnDevices(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "publish even if nothing changed")
	return cmd
}
