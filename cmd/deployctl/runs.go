package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	httpserver "github.com/computor-org/computor-fullstack-sub002/internal/http"
	"github.com/computor-org/computor-fullstack-sub002/internal/notify"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

func newRunsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control workflow runs",
	}
	cmd.AddCommand(
		newRunsStatusCmd(o),
		newRunsListCmd(o),
		newRunsCancelCmd(o),
		newRunsWatchCmd(o),
	)
	return cmd
}

func newRunsStatusCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the stage and status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st runs.RunStatus
			if err := o.call(cmd.Context(), http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &st); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full status as JSON")
	return cmd
}

func newRunsListCmd(o *options) *cobra.Command {
	var kind, status string
	var active bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if kind != "" {
				q.Set("kind", kind)
			}
			if status != "" {
				q.Set("status", status)
			}
			if active {
				q.Set("active", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var list []runs.Run
			if err := o.call(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range list {
				fmt.Fprintf(w, "%s  %-9s %-10s %-22s %s\n", r.ID, r.Kind, r.Status, r.Stage, r.IdempotencyKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (reconcile, release)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&active, "active", false, "only runs that have not finished")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs")
	return cmd
}

func newRunsCancelCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.SubmitResponse
			if err := o.call(cmd.Context(), http.MethodPost, "/api/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for run %s\n", resp.RunID)
			return nil
		},
	}
}

func newRunsWatchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow the events of a run until it finishes",
		Long: `Follow a run over NATS. The current status is printed first; the command
exits when the run finishes and fails unless the run succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.watch(cmd, args[0])
		},
	}
}

// watch subscribes before reading the current status so no event falls
// between the two.
func (o *options) watch(cmd *cobra.Command, runID string) error {
	ctx := cmd.Context()
	nc, err := nats.Connect(o.natsURL, nats.Name("deployctl"))
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", o.natsURL, err)
	}
	defer nc.Close()

	w, err := notify.Subscribe(nc, o.natsPrefix, runID)
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	var st runs.RunStatus
	if err := o.call(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &st); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printStatus(out, st)
	if st.Status.Terminal() {
		return finalError(runID, st.Status, st.Message)
	}

	var final notify.Event
	err = w.Run(ctx, func(e notify.Event) bool {
		printEvent(out, e)
		final = e
		return true
	})
	if err != nil {
		return err
	}
	return finalError(runID, runs.Status(final.Status), final.Message)
}

func finalError(runID string, status runs.Status, message string) error {
	if status == runs.StatusSucceeded {
		return nil
	}
	if message == "" {
		return fmt.Errorf("run %s %s", runID, status)
	}
	return fmt.Errorf("run %s %s: %s", runID, status, message)
}

func printStatus(w io.Writer, st runs.RunStatus) {
	fmt.Fprintf(w, "run:     %s (%s)\n", st.RunID, st.Kind)
	fmt.Fprintf(w, "stage:   %s\n", st.Stage)
	fmt.Fprintf(w, "status:  %s\n", st.Status)
	if st.Message != "" {
		fmt.Fprintf(w, "message: %s\n", st.Message)
	}
	if st.CancelRequested && !st.Status.Terminal() {
		fmt.Fprintln(w, "cancellation requested")
	}
}

func printEvent(w io.Writer, e notify.Event) {
	line := fmt.Sprintf("%s  %-9s %-10s", e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.Status)
	if e.Stage != "" {
		line += " " + e.Stage
	}
	if e.Message != "" {
		line += "  " + e.Message
	}
	fmt.Fprintln(w, line)
}
