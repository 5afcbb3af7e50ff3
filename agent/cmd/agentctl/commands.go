package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:7070"

func newRootCmd() *cobra.Command {
	var addr string
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Inspect and control a statussync agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "agent local API address")

	client := func() *apiClient { return newAPIClient(addr) }

	root.AddCommand(
		getCmd("diagnostics", "Show connection state and cache diagnostics", client, "/api/v1/diagnostics"),
		snapshotCmd(client),
		getCmd("scopes", "List active scopes", client, "/api/v1/scopes"),
		scopeCmd("subscribe", "Activate a scope", http.MethodPost, "", client),
		scopeCmd("unsubscribe", "Deactivate a scope", http.MethodDelete, "", client),
		scopeCmd("refresh", "Re-fetch authoritative status for a scope", http.MethodPost, "refresh", client),
		scopeCmd("recompute", "Ask the server to recompute a scope's status", http.MethodPost, "recompute", client),
		logCmd("updates", "Show the update log", client, "/api/v1/updates"),
		logCmd("errors", "Show the sync error log", client, "/api/v1/errors"),
		getCmd("cert", "Show the push server's TLS certificate status", client, "/api/v1/server/cert"),
		metricsCmd(client),
	)
	return root
}

func getCmd(use, short string, client func() *apiClient, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, _, err := client().do(cmd.Context(), http.MethodGet, path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func snapshotCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [scope]",
		Short: "Show the cached snapshot for a scope, or all snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/snapshots"
			if len(args) == 1 {
				path = scopePath("/api/v1/snapshots/", args[0], "")
			}
			body, _, err := client().do(cmd.Context(), http.MethodGet, path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func scopeCmd(use, short, method, action string, client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <scope>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, code, err := client().do(cmd.Context(), method, scopePath("/api/v1/scopes/", args[0], action))
			if err != nil {
				// A recompute that could not be sent still carries a body.
				if code == http.StatusConflict && action == "recompute" {
					printJSON(cmd.OutOrStdout(), body) //nolint:errcheck
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func logCmd(use, short string, client func() *apiClient, path string) *cobra.Command {
	var clearLog bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clearLog {
				if _, _, err := client().do(cmd.Context(), http.MethodDelete, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s log cleared\n", use)
				return nil
			}
			body, _, err := client().do(cmd.Context(), http.MethodGet, path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().BoolVar(&clearLog, "clear", false, "clear the log instead of printing it")
	return cmd
}

func metricsCmd(client func() *apiClient) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarise the agent's Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, _, err := client().do(cmd.Context(), http.MethodGet, "/metrics")
			if err != nil {
				return err
			}
			prefix := metricPrefix
			if all {
				prefix = ""
			}
			rows, err := summarize(bytes.NewReader(body), prefix)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%-48s %g\n", r.name, r.value)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include runtime and process metrics")
	return cmd
}

// printJSON re-indents a JSON body for the terminal. Non-JSON bodies are
// written as-is.
func printJSON(w io.Writer, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, werr := w.Write(body)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
