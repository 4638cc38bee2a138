package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-agency/internal/config"
	"github.com/basket/go-agency/internal/gateway"
)

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's system status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("config load: %w", err)
				}
				addr = cfg.BindAddr
			}
			pretty := !jsonOut && isTerminal(cmd.OutOrStdout())
			return runStatus(cmd.Context(), cmd.OutOrStdout(), addr, pretty)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default bind_addr from config.yaml)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON even on a terminal")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func statusURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/api/system/status"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/api/system/status"
}

func runStatus(ctx context.Context, out io.Writer, addr string, pretty bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statusURL(addr), nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		writeRaw(out, body)
		return exitError{code: 1, msg: fmt.Sprintf("status: daemon returned HTTP %d", resp.StatusCode)}
	}
	if !pretty {
		writeRaw(out, body)
		return nil
	}
	var st gateway.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("status: decode: %w", err)
	}
	printStatus(out, st)
	return nil
}

func writeRaw(out io.Writer, body []byte) {
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = io.WriteString(out, "\n")
	}
}

func printStatus(out io.Writer, st gateway.StatusResponse) {
	fmt.Fprintf(out, "System: %s (%d active alerts)\n", strings.ToUpper(st.SystemStatus), st.ActiveAlerts)
	if !st.Timestamp.IsZero() {
		fmt.Fprintf(out, "As of:  %s\n", st.Timestamp.Format(time.RFC3339))
	}

	c := st.Statistics
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Agents\ttotal\t%d\tactive\t%d\n", c.Agents.Total, c.Agents.Active)
	fmt.Fprintf(tw, "Content\ttotal\t%d\tpublished\t%d\tscheduled\t%d\tfailed\t%d\n",
		c.Content.Total, c.Content.Published, c.Content.Scheduled, c.Content.Failed)
	fmt.Fprintf(tw, "Messages\tpending\t%d\tprocessed\t%d\tfailed\t%d\n",
		c.Messages.Pending, c.Messages.Processed, c.Messages.Failed)
	_ = tw.Flush()

	if len(st.CircuitBreakers) > 0 {
		parts := make([]string, 0, len(st.CircuitBreakers))
		for p, state := range st.CircuitBreakers {
			parts = append(parts, string(p)+"="+state)
		}
		sort.Strings(parts)
		fmt.Fprintf(out, "\nBreakers: %s\n", strings.Join(parts, " "))
	}
	if st.LastCollection != nil {
		fmt.Fprintf(out, "Last collection: %s at %s (%d alerts raised)\n",
			st.LastCollection.Period, st.LastCollection.CollectedAt.Format(time.RFC3339), st.LastCollection.AlertsRaised)
	}
	for _, e := range st.Schedules {
		fmt.Fprintf(out, "Schedule %-8s %-14s next %s\n", e.Period, e.Expr, e.Next.Format(time.RFC3339))
	}
	if st.ConfigFingerprint != "" {
		fmt.Fprintf(out, "Config: %s\n", st.ConfigFingerprint)
	}
}
