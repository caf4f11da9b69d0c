package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending approvals schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cfg.ApprovalsDriver == config.ApprovalsDriverMemory || cfg.ApprovalsDriver == "" {
				return fmt.Errorf("nothing to migrate: VAI_BRIDGE_APPROVALS_DRIVER is %q", config.ApprovalsDriverMemory)
			}
			store, err := approvals.OpenSQL(cmd.Context(), cfg.ApprovalsDriver, cfg.ApprovalsDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := approvals.Migrate(cmd.Context(), store.DB(), cfg.ApprovalsDriver)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "approvals schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied migration %05d\n", v)
			}
			return nil
		},
	}
}
