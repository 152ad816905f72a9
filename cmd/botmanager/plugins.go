// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/botmanager/internal/config"
	"github.com/holomush/botmanager/internal/plugin"
)

// PluginRow is one registered plugin as reported by "plugins list".
type PluginRow struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"button_name"`
	Icon        string      `json:"image"`
	Runtime     plugin.Kind `json:"runtime,omitempty"`
	PID         int         `json:"pid,omitempty"`
	Installed   bool        `json:"installed"`
	Error       string      `json:"error,omitempty"`
}

// NewPluginsCmd creates the plugins command group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect registered plugins",
	}
	cmd.AddCommand(newPluginsListCmd(nil))
	return cmd
}

func newPluginsListCmd(deps *ServeDeps) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins and the runtime each resolves to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rows, err := listPlugins(cmd, cfg, deps)
			if err != nil {
				return err
			}
			if jsonOutput {
				out, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return oops.Wrapf(err, "encode plugin list")
				}
				cmd.Println(string(out))
				return nil
			}
			cmd.Print(formatPluginTable(rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// listPlugins reads the registry and resolves each plugin directory without
// starting anything.
func listPlugins(cmd *cobra.Command, cfg *config.Config, deps *ServeDeps) ([]PluginRow, error) {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.setDefaults()

	store, closeStore, err := deps.StoreOpener(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	records, err := store.Load(cmd.Context())
	if err != nil {
		return nil, err
	}

	resolver := plugin.NewResolver(runtimesFromConfig(cfg))
	rows := make([]PluginRow, 0, len(records))
	for _, id := range records.IDs() {
		rec := records[id]
		row := PluginRow{ID: id, DisplayName: rec.DisplayName, Icon: rec.IconPath, PID: rec.ProcessID}
		dir := filepath.Join(cfg.Paths.PluginsDir, id)
		if _, err := os.Stat(dir); err == nil {
			row.Installed = true
			p, err := resolver.Resolve(dir)
			switch {
			case err != nil:
				row.Error = err.Error()
			case p == nil:
				row.Error = "no entry point"
			default:
				row.Runtime = p.Runtime.Kind
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func formatPluginTable(rows []PluginRow) string {
	if len(rows) == 0 {
		return "no plugins registered\n"
	}
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tRUNTIME\tINSTALLED\tPID\tNOTE")
	for _, r := range rows {
		pid := "-"
		if r.PID != 0 {
			pid = fmt.Sprint(r.PID)
		}
		runtime := string(r.Runtime)
		if runtime == "" {
			runtime = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", r.ID, r.DisplayName, runtime, r.Installed, pid, r.Error)
	}
	_ = w.Flush()
	return sb.String()
}
