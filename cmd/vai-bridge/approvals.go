package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

const defaultCLIApprover = "cli"

// approvalsCLI decides approvals directly against the configured store, for
// operators without API access.
type approvalsCLI struct {
	app      *app
	output   string
	approver string
}

func newApprovalsCmd(a *app) *cobra.Command {
	c := &approvalsCLI{app: a}

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide high-risk actions awaiting confirmation",
	}
	cmd.PersistentFlags().StringVarP(&c.output, "output", "o", "table", "output format (table|json|yaml)")
	cmd.PersistentFlags().StringVar(&c.approver, "approver", defaultCLIApprover, "identity recorded as the decider")

	var (
		status string
		callID string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := approvals.ListFilter{CallID: strings.TrimSpace(callID), Limit: limit}
			if status != "" {
				st, err := approvals.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			return c.withService(cmd.Context(), func(svc *approvals.Service) error {
				recs, err := svc.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), recs)
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(approvals.StatusAwaitingConfirmation), "filter by status; empty lists all")
	list.Flags().StringVar(&callID, "call-id", "", "filter by call id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum records to list")

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and execute an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *approvals.Service) error {
				rec, err := svc.Approve(cmd.Context(), args[0], c.approver)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), []approvals.Record{rec})
			})
		},
	}

	var reason string
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *approvals.Service) error {
				rec, err := svc.Reject(cmd.Context(), args[0], c.approver, reason)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), []approvals.Record{rec})
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "reason reported to the caller")

	cmd.AddCommand(list, approve, reject)
	return cmd
}

func (c *approvalsCLI) withService(ctx context.Context, fn func(*approvals.Service) error) error {
	cfg, logger := c.app.cfg, c.app.logger
	if cfg.ApprovalsDriver == config.ApprovalsDriverMemory || cfg.ApprovalsDriver == "" {
		return fmt.Errorf("the approvals commands need a shared store; set VAI_BRIDGE_APPROVALS_DRIVER to sqlite or postgres")
	}
	switch c.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", c.output)
	}

	store, err := openApprovalStore(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, _, err := buildActions(cfg, toolHTTPClient(cfg))
	if err != nil {
		return err
	}
	return fn(approvals.NewService(store, registry, logger, cfg.ToolTimeout))
}

func (c *approvalsCLI) print(w io.Writer, recs []approvals.Record) error {
	return writeRecords(w, c.output, recs)
}

func writeRecords(w io.Writer, format string, recs []approvals.Record) error {
	if recs == nil {
		recs = []approvals.Record{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API field names.
		raw, err := json.Marshal(recs)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCALL\tACTION\tSTATUS\tDECIDED BY\tUPDATED")
		for _, rec := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.CallID, rec.ActionName, rec.Status,
				orDash(rec.DecidedBy), rec.UpdatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
