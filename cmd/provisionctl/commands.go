package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nomis52/provision/client"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

type globalOpts struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "provisionctl",
		Short:         "Command line client for the provisioning server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("PROVISION_SERVER", "http://localhost:8080"), "Base URL of the provisioning server")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout of each request")

	root.AddCommand(
		newSubmitCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newRetryCmd(opts),
		newCancelCmd(opts),
		newStatsCmd(opts),
		newWaitCmd(opts),
		newDefinitionsCmd(opts),
		newLogsCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *globalOpts) client() (*client.Client, error) {
	return client.New(o.server, client.WithTimeout(o.timeout))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd(opts *globalOpts) *cobra.Command {
	var (
		input string
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "submit WORKFLOW_TYPE TENANT_ID BUSINESS_KEY",
		Short: "Submit a workflow instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if input != "" {
				if err := json.Unmarshal([]byte(input), &payload); err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			id, err := c.Submit(cmd.Context(), args[0], args[1], args[2], payload)
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			inst, err := c.Wait(cmd.Context(), id, time.Second)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input payload as a JSON object")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the instance to finish and print it")
	return cmd
}

func newGetCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show an instance with its step and compensation trails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			inst, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst)
		},
	}
}

func newListCmd(opts *globalOpts) *cobra.Command {
	var (
		filter   store.Filter
		statuses []string
		page     store.Page
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				status, err := workflow.ParseStatus(s)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.List(cmd.Context(), filter, page)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, inst := range res.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.Status, inst.WorkflowType, inst.TenantID, inst.BusinessKey)
			}
			fmt.Fprintf(w, "%d of %d\n", len(res.Items), res.TotalCount)
			return nil
		},
	}
	cmd.Flags().StringVarP(&filter.TenantID, "tenant", "t", "", "Only instances of this tenant")
	cmd.Flags().StringVar(&filter.WorkflowType, "type", "", "Only instances of this workflow type")
	cmd.Flags().StringVar(&filter.BusinessKey, "business-key", "", "Only instances with this business key")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only instances with these statuses")
	cmd.Flags().IntVar(&page.Limit, "limit", 0, "Page size")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "Page offset")
	return cmd
}

func newRetryCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Start a new instance from a FAILED or ROLLED_BACK one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			id, err := c.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newCancelCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a RUNNING instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			return nil
		},
	}
}

func newStatsCmd(opts *globalOpts) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show instance statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			sum, err := c.Statistics(cmd.Context(), tenant, store.Filter{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant to summarise, all when empty")
	return cmd
}

func newWaitCmd(opts *globalOpts) *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait for an instance to reach a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			inst, err := c.Wait(ctx, args[0], interval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	cmd.Flags().DurationVar(&timeout, "max-wait", 0, "Give up after this long, zero waits forever")
	return cmd
}

func newDefinitionsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List the workflow definitions registered on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defs, err := c.Definitions(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, def := range defs {
				fmt.Fprintf(w, "%s\t%d steps\n", def.Type, len(def.Steps))
			}
			return nil
		},
	}
}

func newLogsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "logs ID",
		Short: "Show the log lines captured while an instance ran",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			entries, err := c.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "%s %-5s %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
			}
			return nil
		},
	}
}
