package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Show the identity fingerprint of this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Shutdown()
			f, err := s.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Println(f)
			return nil
		},
	}
}
