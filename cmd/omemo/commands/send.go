package commands

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-omemo/messaging"
	"github.com/meow-io/go-omemo/wire"
	"github.com/spf13/cobra"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			deviceErrors, err := s.SendMessage(cmd.Context(), args[0], []byte(args[1]))
			for _, e := range deviceErrors {
				fmt.Printf("skipped %s: %v\n", e.Address, e.Err)
			}
			if err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}

// recv: fetch and decrypt the queued stanzas of --account.
func recvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			stanzas, err := s.client.Receive(cmd.Context(), account)
			if err != nil {
				return err
			}
			for _, body := range stanzas {
				stanza, err := wire.DecodeStanza(body)
				if err != nil {
					fmt.Printf("dropping malformed stanza: %v\n", err)
					continue
				}
				m, err := s.ProcessIncoming(stanza.From, body)
				if errors.Is(err, messaging.ErrNotAddressed) {
					continue
				}
				if err != nil {
					fmt.Printf("[%s] undecryptable: %v\n", stanza.From, err)
					continue
				}
				marker := ""
				if !m.Trusted {
					marker = " (untrusted)"
				}
				if m.KeyChange != nil {
					fmt.Printf("warning: %s\n", m.KeyChange)
				}
				fmt.Printf("[%s]%s %s\n", m.Sender, marker, string(m.Plaintext))
			}
			return nil
		},
	}
}
