// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"io"
	"os/exec"
	"slices"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/holomush/botmanager/internal/logging"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client starts the process if needed and returns the RPC protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
	// Exited reports whether the process has exited.
	Exited() bool
	// ReattachConfig describes the running process; nil before start.
	ReattachConfig() *hashiplug.ReattachConfig
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	NewClient(p *plugin.Plugin) PluginClient
}

// DefaultClientFactory creates real go-plugin clients over net/rpc.
type DefaultClientFactory struct {
	StartTimeout time.Duration
	LogFormat    string
	LogLevel     string
	// LogOutput receives the plugin's hclog output and stderr; nil means os.Stderr.
	LogOutput io.Writer
	// Env is added to the allow-listed host environment of every plugin.
	Env []string
}

// NewClient creates a go-plugin client running the plugin's executable in its directory.
func (f *DefaultClientFactory) NewClient(p *plugin.Plugin) PluginClient {
	cmd := exec.Command(p.EntryPath()) // #nosec G204 -- entry point resolved inside the plugin directory
	cmd.Dir = p.Dir
	cmd.Env = plugin.ChildEnv(append(slices.Clone(f.Env), "BOTMANAGER_PREFIX=/"+p.ID)...)
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          pluginsdk.PluginMap(nil),
		Cmd:              cmd,
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		StartTimeout:     f.StartTimeout,
		SkipHostEnv:      true,
		Logger:           logging.PluginLogger(p.ID, f.LogFormat, f.LogLevel, f.LogOutput),
	})
}
