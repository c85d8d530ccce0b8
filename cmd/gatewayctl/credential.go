package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/relay-gateway/internal/store"
)

func newCredentialCmd(flags *storeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage upstream credentials",
	}

	var label, secret string
	add := &cobra.Command{
		Use:   "add",
		Short: "Append an upstream credential to the failover order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimSpace(string(b))
			}
			if label == "" || secret == "" {
				return fmt.Errorf("--label and --secret are required")
			}
			return withStore(cmd, flags, func(ctx context.Context, st adminStore) error {
				c, err := st.AddCredential(ctx, label, secret)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added credential %d (%s)\n", c.ID, c.Label)
				return nil
			})
		},
	}
	add.Flags().StringVar(&label, "label", "", "account label, e.g. the account email")
	add.Flags().StringVar(&secret, "secret", "", `platform token, or "-" to read it from stdin`)

	list := &cobra.Command{
		Use:   "list",
		Short: "List credentials in failover order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, flags, func(ctx context.Context, st adminStore) error {
				creds, err := st.ListCredentials(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLABEL\tSECRET")
				for _, c := range creds {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", c.ID, c.Label, mask(c.Secret))
				}
				return tw.Flush()
			})
		},
	}

	remove := &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove an upstream credential",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, flags, func(ctx context.Context, st adminStore) error {
				if err := st.RemoveCredential(ctx, id); err != nil {
					if store.IsNotFound(err) {
						return fmt.Errorf("credential %d not found", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed credential %d\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
