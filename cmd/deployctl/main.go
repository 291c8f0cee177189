// Package main implements deployctl, the command-line client of the
// deployment engine API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	httpserver "github.com/computor-org/computor-fullstack-sub002/internal/http"
)

// version information
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(&options{}).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	serverURL   string
	principal   string
	admin       bool
	courseRoles []string
	timeout     time.Duration
	natsURL     string
	natsPrefix  string

	httpClient *http.Client
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployctl",
		Short: "CLI for the hierarchy deployment engine",
		Long: `deployctl submits reconciliations and releases to the deployment engine API,
assigns examples to course contents and follows workflow runs.

The principal is sent as gateway headers, so deployctl is meant to run against
the API directly or behind a gateway that trusts it.`,
		Version:      version,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.serverURL, "server", envOr("DEPLOYCTL_SERVER", "http://localhost:8080"), "deployment engine API URL")
	flags.StringVar(&o.principal, "principal", envOr("DEPLOYCTL_PRINCIPAL", os.Getenv("USER")), "principal id sent as "+auth.HeaderPrincipal)
	flags.BoolVar(&o.admin, "admin", false, "act as administrator")
	flags.StringSliceVar(&o.courseRoles, "course-role", nil, "course role as <course-id>:<role> (repeatable)")
	flags.DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	flags.StringVar(&o.natsURL, "nats", envOr("DEPLOYCTL_NATS", "nats://localhost:4222"), "NATS URL for runs watch")
	flags.StringVar(&o.natsPrefix, "nats-prefix", "deploy.runs", "NATS subject prefix of run events")

	root.AddCommand(
		newReconcileCmd(o),
		newRenameCmd(o),
		newMoveCmd(o),
		newReleaseCmd(o),
		newRunsCmd(o),
		newAssignCmd(o),
		newHistoryCmd(o),
		newPathmapCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError is a non-2xx API response.
type apiError struct {
	Status int
	Body   httpserver.ErrorResponse
}

func (e *apiError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Body.RunID != "" {
		return fmt.Sprintf("server returned status %d: %s (active run %s)", e.Status, msg, e.Body.RunID)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, msg)
}

// call sends one API request and decodes the response into out.
func (o *options) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(o.serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.principal != "" {
		req.Header.Set(auth.HeaderPrincipal, o.principal)
	}
	if o.admin {
		req.Header.Set(auth.HeaderAdmin, "true")
	}
	if len(o.courseRoles) > 0 {
		req.Header.Set(auth.HeaderCourseRoles, strings.Join(o.courseRoles, ","))
	}

	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: o.timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		if jsonErr := json.Unmarshal(data, &apiErr.Body); jsonErr != nil {
			apiErr.Body.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// conflictRunID returns the active run reported by a 409 response.
func conflictRunID(err error) (string, bool) {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && apiErr.Body.RunID != "" {
		return apiErr.Body.RunID, true
	}
	return "", false
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
