package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	omemo "github.com/meow-io/go-omemo"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/transport/pubsub"
	"github.com/spf13/cobra"
)

const discoverTimeout = 5 * time.Second

var (
	home      string
	password  string
	account   string
	serverURL string
	debug     bool
	explicit  bool
)

func Execute() error {
	root := &cobra.Command{
		Use:          "omemo",
		Short:        "Multi-device end-to-end encryption over a pubsub node service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".omemo")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.omemo)")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "password protecting the store")
	root.PersistentFlags().StringVarP(&account, "account", "a", "", "account the store belongs to")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "pubsub base URL, discovered on the local network when empty")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
	root.PersistentFlags().BoolVar(&explicit, "explicit-trust", false, "only encrypt to explicitly trusted devices")

	root.AddCommand(initCmd(), fingerprintCmd(), devicesCmd(), trustCmd(), publishCmd(), sendCmd(), recvCmd(), serveCmd())
	return root.Execute()
}

func newConfig() *config.Config {
	policy := config.TrustOnFirstUse
	if explicit {
		policy = config.TrustExplicit
	}
	return config.NewConfig(
		config.WithRootDir(filepath.Join(home, account)),
		config.WithLoggingPrefix(account),
		config.WithDebug(debug),
		config.WithTrustPolicy(policy),
	)
}

func resolveServer(ctx context.Context) (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	return pubsub.Discover(ctx)
}

type session struct {
	*omemo.Omemo
	client *pubsub.Client
}

// openStore opens the store of --account, creating it when create is set.
func openStore(ctx context.Context, create bool) (*session, error) {
	if account == "" {
		return nil, fmt.Errorf("--account required")
	}
	if password == "" {
		return nil, fmt.Errorf("password required (-p)")
	}
	base, err := resolveServer(ctx)
	if err != nil {
		return nil, err
	}
	c := newConfig()
	client := pubsub.NewClient(c, base)
	o, err := omemo.NewOmemo(c, account, client)
	if err != nil {
		return nil, err
	}
	key, err := o.NewKey(password)
	if err != nil {
		return nil, err
	}
	switch {
	case o.New() && create:
		err = o.Initialize(key)
	case o.New():
		err = fmt.Errorf("no store for %s, run init first", account)
	default:
		err = o.Open(key)
	}
	if err != nil {
		return nil, err
	}
	return &session{Omemo: o, client: client}, nil
}
