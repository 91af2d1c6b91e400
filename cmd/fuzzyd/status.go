package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fuzzytales/fuzzy/pkg/server"
)

const defaultMetricsAddr = "127.0.0.1:9090"

func statusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running server",
		Long: `Query the server's internal /health endpoint and print it as a table.

The endpoint is served on the metrics port, which only listens on loopback.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(os.Stdout, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "metrics-addr", "m", defaultMetricsAddr, "Metrics server address (host:port)")

	return cmd
}

func runStatus(w io.Writer, addr string) error {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get("http://" + addr + "/health")
	if err != nil {
		return fmt.Errorf("query health: %w", err)
	}
	defer resp.Body.Close()

	// 503 still carries a body
	var h server.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode health (HTTP %d): %w", resp.StatusCode, err)
	}

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.Append([]string{"Status", h.Status})
	tw.Append([]string{"State", h.State})
	tw.Append([]string{"Uptime", (time.Duration(h.UptimeSeconds) * time.Second).String()})
	tw.Append([]string{"Clients", strconv.Itoa(h.Clients)})
	tw.Append([]string{"Rooms", strconv.Itoa(h.Rooms)})
	tw.Render()
	return nil
}
