// Package main provides supervisorctl, a thin REST client for the options
// trading supervisor's API (internal/api). It holds no local state: every
// subcommand is one request against the configured --addr.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

var (
	addr       string
	httpClient *http.Client
)

func main() {
	root := &cobra.Command{
		Use:   "supervisorctl",
		Short: "Control client for the options trading supervisor's REST API",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Base URL of the supervisor API")

	root.AddCommand(newStatusCmd())
	root.AddCommand(newStrategiesCmd())
	root.AddCommand(newTradesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newHTTPClient builds a retrying client, lazily, once --addr has been
// parsed by cobra.
func newHTTPClient() *http.Client {
	if httpClient == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = 3
		rc.Logger = nil
		httpClient = rc.StandardClient()
		httpClient.Timeout = 10 * time.Second
	}
	return httpClient
}

func getJSON(path string, out any) error {
	resp, err := newHTTPClient().Get(addr + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: %s", path, readErrorBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, out any) error {
	resp, err := newHTTPClient().Post(addr+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s: %s", path, readErrorBody(resp.Body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(r)
	if err != nil {
		return "unreadable error body"
	}
	var out map[string]string
	if json.Unmarshal(b, &out) == nil && out["error"] != "" {
		return out["error"]
	}
	return string(b)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show manager readiness and every strategy's live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status types.ManagerStatus
			if err := getJSON("/strategies", &status); err != nil {
				return err
			}
			fmt.Printf("ready: %v   strategies: %d   as of %s\n", status.Ready, len(status.Strategies), status.GeneratedAt.Format(time.RFC3339))
			printStrategyTable(status.Strategies)
			return nil
		},
	}
}

func newStrategiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "Manage strategy instances",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every known strategy and its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status types.ManagerStatus
			if err := getJSON("/strategies", &status); err != nil {
				return err
			}
			printStrategyTable(status.Strategies)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "start <id>",
		Short: "Start a strategy, resetting its state first if it is STOPPED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := postJSON("/strategies/"+args[0]+"/start", &out); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", out["id"], out["status"])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := postJSON("/strategies/"+args[0]+"/stop", &out); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", out["id"], out["status"])
			return nil
		},
	})
	return cmd
}

func newTradesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Inspect the trade ledger",
	}
	var limit int
	recent := &cobra.Command{
		Use:   "recent <id>",
		Short: "List the most recent trades for a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Trades []types.TradeRecord `json:"trades"`
				Count  int                 `json:"count"`
			}
			path := fmt.Sprintf("/strategies/%s/trades?limit=%d", args[0], limit)
			if err := getJSON(path, &out); err != nil {
				return err
			}
			printTradeTable(out.Trades)
			return nil
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "Maximum number of trades to show")
	cmd.AddCommand(recent)
	return cmd
}

func printStrategyTable(strategies []types.StrategyStatus) {
	fmt.Printf("%-20s %-10s %-22s %8s %10s\n", "ID", "STATUS", "TYPE", "TRADES", "NET PNL")
	for _, s := range strategies {
		fmt.Printf("%-20s %-10s %-22s %8d %10s\n",
			s.ID, s.Status, s.Config.Type, s.Metrics.TotalTrades, humanize.CommafWithDigits(decimalToFloat(s.Metrics.NetPnL), 2))
	}
}

func printTradeTable(trades []types.TradeRecord) {
	fmt.Printf("%-36s %-12s %8s %10s %10s\n", "TRADE ID", "RESULT", "QTY", "ENTRY", "NET PNL")
	for _, t := range trades {
		fmt.Printf("%-36s %-12s %8s %10s %10s\n",
			t.TradeID, t.Result, t.Quantity.String(), t.EntryPrice.String(), t.NetPnL.String())
	}
}

func decimalToFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}
