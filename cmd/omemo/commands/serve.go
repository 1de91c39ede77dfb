package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/transport/pubsub"
	"github.com/spf13/cobra"
)

// serve: run a pubsub node service, announced on the local network.
func serveCmd() *cobra.Command {
	var addr string
	var announce bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a pubsub node service",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.NewConfig(
				config.WithRootDir(filepath.Join(home, "server")),
				config.WithLoggingPrefix("server"),
				config.WithDebug(debug),
			)
			if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
				return err
			}
			s := pubsub.NewServer(c)
			port, err := s.Start(addr, announce)
			if err != nil {
				return err
			}
			fmt.Printf("serving on port %d\n", port)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":0", "listen address")
	cmd.Flags().BoolVar(&announce, "announce", true, "announce over zeroconf")
	return cmd
}
