package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/relay-gateway/internal/config"
	"github.com/nulpointcorp/relay-gateway/internal/store"
)

// adminStore is the write side of the credential store.
type adminStore interface {
	AddCredential(ctx context.Context, label, secret string) (store.Credential, error)
	RemoveCredential(ctx context.Context, id int64) error
	ListCredentials(ctx context.Context) ([]store.Credential, error)
	IssueToken(ctx context.Context) (store.AccessToken, error)
	ListTokens(ctx context.Context) ([]store.AccessToken, error)
	RevokeToken(ctx context.Context, id int64) error
}

type storeFlags struct {
	driver string
	dsn    string
}

// open connects to the store named by the flags, falling back to the
// gateway's own configuration.
func (f *storeFlags) open(ctx context.Context) (adminStore, func() error, error) {
	driver, dsn := f.driver, f.dsn
	if driver == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		driver = cfg.Store.Driver
		if dsn == "" {
			dsn = cfg.Store.DSN()
		}
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("--dsn is required with --driver %s", driver)
	}

	st, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func newRootCmd() *cobra.Command {
	flags := &storeFlags{}

	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Manage gateway credentials and access tokens",
		Long: `gatewayctl edits the store the gateway reads on every request.

Credentials are upstream platform tokens, tried in insertion order until one
succeeds. Access tokens are what callers send as "Authorization: Bearer <token>".
Changes take effect on the next request; the gateway does not need a restart.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.driver, "driver", "", "store driver: postgres or sqlite (default from STORE_DRIVER)")
	root.PersistentFlags().StringVar(&flags.dsn, "dsn", "", "database URL or SQLite path (default from DATABASE_URL / SQLITE_PATH)")

	root.AddCommand(newTokenCmd(flags), newCredentialCmd(flags))
	return root
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, flags *storeFlags, fn func(context.Context, adminStore) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, closeFn, err := flags.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn() //nolint:errcheck

	return fn(ctx, st)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// mask shows only the first and last four characters of a secret.
func mask(secret string) string {
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
