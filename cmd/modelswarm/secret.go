package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mtzanidakis/modelswarm/internal/secrets"
	"github.com/mtzanidakis/modelswarm/internal/store"
	"github.com/spf13/cobra"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted provider credentials",
		Long: `Manage encrypted provider credentials.

Secrets are referenced from the config as "secret:<name>" in model api_key
fields and routing.provider_settings. The vault passphrase comes from
vault.passphrase or MODELSWARM_VAULT_PASSPHRASE.`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretGetCmd(), newSecretListCmd(), newSecretDeleteCmd())
	return cmd
}

// withResolver opens the store and vault for one secret command.
func withResolver(fn func(r *secrets.Resolver) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := secrets.NewVault(cfg.Vault.Passphrase)
	if err != nil {
		if errors.Is(err, secrets.ErrEmptyPassphrase) {
			return fmt.Errorf("MODELSWARM_VAULT_PASSPHRASE or vault.passphrase is required")
		}
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return fn(secrets.NewResolver(v, db))
}

func newSecretSetCmd() *cobra.Command {
	var value, file, description string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret from --value or --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case value != "" && file != "":
				return fmt.Errorf("use either --value or --file")
			case value != "":
				data = []byte(value)
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read file: %w", err)
				}
				data = b
			default:
				return fmt.Errorf("--value or --file is required")
			}
			return withResolver(func(r *secrets.Resolver) error {
				if err := r.Put(args[0], description, data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %q saved, reference it as %s%s\n", args[0], secrets.RefPrefix, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value")
	cmd.Flags().StringVar(&file, "file", "", "Read the secret value from a file")
	cmd.Flags().StringVar(&description, "description", "", "Description shown by list")
	return cmd
}

func newSecretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Decrypt and print a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(func(r *secrets.Resolver) error {
				plaintext, err := r.Get(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, string(plaintext))
				if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets (metadata only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withResolver(func(r *secrets.Resolver) error {
				list, err := r.List()
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(func(r *secrets.Resolver) error {
				if err := r.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %q deleted\n", args[0])
				return nil
			})
		},
	}
}
