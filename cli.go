package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friespotatotissue/please/internal/config"
	"github.com/friespotatotissue/please/internal/store"
)

func identitiesCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "List persisted identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(*cfg)
			if err != nil {
				return err
			}
			defer b.close()

			rows, err := listIdentities(cmd.Context(), b, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No identities found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCOLOR\tUPDATED")
			for _, r := range rows {
				updated := "-"
				if !r.UpdatedAt.IsZero() {
					updated = r.UpdatedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Color, updated)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n identities; 0 shows all")
	return cmd
}

// listIdentities reads identities from any backend. Only SQLite keeps
// timestamps; the other backends are ordered by id.
func listIdentities(ctx context.Context, b *backend, limit int) ([]store.StoredIdentity, error) {
	if b.sqlite != nil {
		return b.sqlite.ListIdentities(ctx, limit)
	}
	recs, err := b.identities.LoadIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	out := make([]store.StoredIdentity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, store.StoredIdentity{IdentityRecord: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the identity store holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(*cfg)
			if err != nil {
				return err
			}
			defer b.close()

			ctx := cmd.Context()
			rows, err := listIdentities(ctx, b, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s (%s)\n", cfg.Store, cfg.DBPath)
			fmt.Fprintf(out, "Identities: %d\n", len(rows))
			if b.sqlite != nil {
				for _, key := range []string{settingVersion, settingLastStarted} {
					val, ok, err := b.sqlite.GetSetting(ctx, key)
					if err != nil {
						return err
					}
					if !ok {
						val = "-"
					}
					fmt.Fprintf(out, "%s: %s\n", key, val)
				}
			}
			fmt.Fprintf(out, "Version: %s\n", Version)
			return nil
		},
	}
}

func settingsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or write server settings in the SQLite store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := openBackend(*cfg)
				if err != nil {
					return err
				}
				defer b.close()
				st, err := b.requireSQLite()
				if err != nil {
					return err
				}
				val, ok, err := st.GetSetting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("setting %q is not set", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), val)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store one setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := openBackend(*cfg)
				if err != nil {
					return err
				}
				defer b.close()
				st, err := b.requireSQLite()
				if err != nil {
					return err
				}
				if err := st.SetSetting(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
				return nil
			},
		},
	)
	return cmd
}

func backupCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dest]",
		Short: "Write a consistent copy of the SQLite store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := "please-backup.db"
			if len(args) > 0 {
				dest = args[0]
			}
			b, err := openBackend(*cfg)
			if err != nil {
				return err
			}
			defer b.close()
			st, err := b.requireSQLite()
			if err != nil {
				return err
			}
			if err := st.Backup(cmd.Context(), dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database backed up to %s\n", dest)
			return nil
		},
	}
}
