package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// ProbeStatus is the result of one health probe.
type ProbeStatus struct {
	Probe  string `json:"probe"`
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	timeout    time.Duration
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a running bot manager",
		Long: `Query the liveness and readiness probes of a running bot manager on
its metrics address. Ready means the first routing table is installed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if conf.Metrics.Addr == "" {
				return oops.Code("CONFIG_INVALID").
					Hint("set metrics.addr or --metrics-addr").
					Errorf("the metrics server is disabled, nothing to probe")
			}
			return runStatus(cmd, cfg, "http://"+conf.Metrics.Addr)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Second, "probe timeout")

	return cmd
}

// runStatus probes baseURL and prints the results. It fails when the
// manager is not live.
func runStatus(cmd *cobra.Command, cfg *statusConfig, baseURL string) error {
	client := &http.Client{Timeout: cfg.timeout}
	probes := []ProbeStatus{
		probe(client, baseURL, "liveness"),
		probe(client, baseURL, "readiness"),
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(probes, "", "  ")
		if err != nil {
			return oops.Wrapf(err, "marshal status")
		}
		cmd.Println(string(data))
	} else {
		cmd.Print(formatStatusTable(probes))
	}

	if !probes[0].OK {
		return oops.Code("NOT_RUNNING").With("url", baseURL).Errorf("bot manager is not running")
	}
	return nil
}

func probe(client *http.Client, baseURL, name string) ProbeStatus {
	st := ProbeStatus{Probe: name}
	resp, err := client.Get(baseURL + "/healthz/" + name)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256)) //nolint:errcheck // body is informational
	st.Status = resp.StatusCode
	st.Body = strings.TrimSpace(string(body))
	st.OK = resp.StatusCode == http.StatusOK
	return st
}

// formatStatusTable formats probe results as a human-readable table.
func formatStatusTable(probes []ProbeStatus) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "PROBE\tSTATUS\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t------\t------")
	for _, p := range probes {
		state := "ok"
		detail := p.Body
		if !p.OK {
			state = "failing"
			if p.Error != "" {
				state = "unreachable"
				detail = p.Error
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.Probe, state, detail)
	}

	_ = w.Flush()
	return sb.String()
}
