package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/relay-gateway/internal/store"
)

func newTokenCmd(flags *storeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage caller access tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new access token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st adminStore) error {
				tok, err := st.IssueToken(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:    %d\ntoken: %s\n", tok.ID, tok.Secret)
				return nil
			})
		},
	}

	var reveal bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List access tokens, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st adminStore) error {
				toks, err := st.ListTokens(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTOKEN\tCREATED")
				for _, t := range toks {
					secret := mask(t.Secret)
					if reveal {
						secret = t.Secret
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\n", t.ID, secret, t.CreatedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().BoolVar(&reveal, "reveal", false, "print full token values")

	revoke := &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, flags, func(ctx context.Context, st adminStore) error {
				if err := st.RevokeToken(ctx, id); err != nil {
					if store.IsNotFound(err) {
						return fmt.Errorf("token %d not found", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked token %d\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}
