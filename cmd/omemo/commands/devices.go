package commands

import (
	"fmt"
	"strconv"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/spf13/cobra"
)

// devices <identity>: refresh and list devices with their trust.
func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <identity>",
		Short: "Refresh and list the devices of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			identity := args[0]
			if _, err := s.RefreshDevices(cmd.Context(), identity); err != nil {
				fmt.Printf("warning: %v\n", err)
			}
			known, err := s.KnownDevicesFor(identity)
			if err != nil {
				return err
			}
			for _, id := range known {
				addr := address.New(identity, id)
				if _, err := s.RefreshBundle(cmd.Context(), addr); err != nil {
					fmt.Printf("%s\t%v\n", addr, err)
					continue
				}
				key, err := s.GetIdentity(addr)
				if err != nil {
					return err
				}
				state, err := s.TrustState(addr, key)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%s\n", addr, crypto.Fingerprint(key), state)
			}
			return nil
		},
	}
}

// trust <identity> <device>: trust, or with --revoke distrust, the current key of a device.
func trustCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "trust <identity> <device>",
		Short: "Trust the current identity key of a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid device id %q: %w", args[1], err)
			}
			s, err := openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			addr := address.New(args[0], uint32(id))
			key, err := s.GetIdentity(addr)
			if err != nil {
				return err
			}
			if key == nil {
				return fmt.Errorf("no identity key seen for %s, run devices first", addr)
			}
			if err := s.SetTrust(addr, key, !revoke); err != nil {
				return err
			}
			if revoke {
				fmt.Printf("%s untrusted\n", addr)
			} else {
				fmt.Printf("%s trusted\n", addr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "distrust instead")
	return cmd
}
