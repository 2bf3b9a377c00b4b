package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"astrtown.ai/internal/binding"
)

func openBindings(cmd *cobra.Command) (*binding.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return binding.Open(cfg.Storage.BindingDB)
}

func newBindCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "bind <session-key> <player-id>",
		Short: "Bind a chat session to an AstrTown player",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openBindings(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			rec, err := store.Set(cmd.Context(), args[0], platform, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bound %s -> %s\n", rec.SessionKey, rec.PlayerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "cli", "platform id recorded with the binding")
	return cmd
}

func newUnbindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <session-key>",
		Short: "Remove a session binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openBindings(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			ok, err := store.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no binding for %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unbound %s\n", args[0])
			return nil
		},
	}
}

func newBindingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "List session bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openBindings(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tPLATFORM\tPLAYER\tUPDATED")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.SessionKey, r.PlatformID, r.PlayerID, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}
