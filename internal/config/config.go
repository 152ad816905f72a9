// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads botmanager configuration from defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/botmanager/internal/xdg"
)

// Conflict policies for uploads whose derived id already exists.
const (
	OnConflictReplace = "replace"
	OnConflictReject  = "reject"
)

// Registry drivers.
const (
	RegistryFile     = "file"
	RegistryPostgres = "postgres"
)

// Config is the complete botmanager configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Paths     PathsConfig     `koanf:"paths"`
	Registry  RegistryConfig  `koanf:"registry"`
	Upload    UploadConfig    `koanf:"upload"`
	Installer InstallerConfig `koanf:"installer"`
	Runtimes  RuntimesConfig  `koanf:"runtimes"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Auth      AuthConfig      `koanf:"auth"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig configures the observability server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// PathsConfig locates persisted state. Empty values are derived from DataDir.
type PathsConfig struct {
	DataDir      string `koanf:"data_dir"`
	PluginsDir   string `koanf:"plugins_dir"`
	BackupDir    string `koanf:"backup_dir"`
	StagingDir   string `koanf:"staging_dir"`
	StaticDir    string `koanf:"static_dir"`
	RegistryFile string `koanf:"registry_file"`
}

// IconsDir is where plugin icons are stored, below the static directory.
func (p PathsConfig) IconsDir() string {
	return filepath.Join(p.StaticDir, "images")
}

// RegistryConfig selects the registry backend.
type RegistryConfig struct {
	Driver string `koanf:"driver"`
	// DatabaseURL is used by the postgres driver; DATABASE_URL overrides an empty value.
	DatabaseURL string `koanf:"database_url"`
}

// UploadConfig configures archive ingestion.
type UploadConfig struct {
	MaxBytes     int64  `koanf:"max_bytes"`
	MaxFiles     int    `koanf:"max_files"`
	MaxExtracted int64  `koanf:"max_extracted_bytes"`
	OnConflict   string `koanf:"on_conflict"`
	// Exclude holds globs matched against each extracted entry's slash
	// separated relative path and its base name.
	Exclude       []string `koanf:"exclude"`
	DefaultIcon   string   `koanf:"default_icon"`
	IconURLPrefix string   `koanf:"icon_url_prefix"`
}

// InstallerConfig configures dependency installation.
type InstallerConfig struct {
	Manifest string        `koanf:"manifest"`
	Script   string        `koanf:"script"`
	Shell    string        `koanf:"shell"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RuntimesConfig lists the plugin runtimes in resolution order.
type RuntimesConfig struct {
	Order []string `koanf:"order"`
	// Env is passed to every plugin process on top of PATH, HOME and locale.
	Env    []string            `koanf:"env"`
	Script ScriptRuntimeConfig `koanf:"script"`
	Lua    LuaRuntimeConfig    `koanf:"lua"`
	Binary BinaryRuntimeConfig `koanf:"binary"`
}

// ScriptRuntimeConfig configures interpreter-backed child process plugins.
type ScriptRuntimeConfig struct {
	EntryPoint    string        `koanf:"entry_point"`
	SourceExt     string        `koanf:"source_ext"`
	PackageMarker string        `koanf:"package_marker"`
	Command       []string      `koanf:"command"`
	VenvPython    string        `koanf:"venv_python"`
	StartTimeout  time.Duration `koanf:"start_timeout"`
	StopTimeout   time.Duration `koanf:"stop_timeout"`
}

// LuaRuntimeConfig configures sandboxed Lua plugins.
type LuaRuntimeConfig struct {
	EntryPoint     string        `koanf:"entry_point"`
	SourceExt      string        `koanf:"source_ext"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// BinaryRuntimeConfig configures go-plugin binaries.
type BinaryRuntimeConfig struct {
	EntryPoint     string        `koanf:"entry_point"`
	StartTimeout   time.Duration `koanf:"start_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// LifecycleConfig configures create/update/delete orchestration.
type LifecycleConfig struct {
	ReleaseTimeout time.Duration `koanf:"release_timeout"`
	LoadWorkers    int           `koanf:"load_workers"`
}

// AuthConfig enables basic auth on the management routes when PasswordHash is set.
type AuthConfig struct {
	Username     string `koanf:"username"`
	PasswordHash string `koanf:"password_hash"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Log:     LogConfig{Format: "json", Level: "info"},
		Registry: RegistryConfig{
			Driver: RegistryFile,
		},
		Upload: UploadConfig{
			MaxBytes:      16 << 20,
			MaxFiles:      10000,
			MaxExtracted:  512 << 20,
			OnConflict:    OnConflictReplace,
			Exclude:       []string{"__MACOSX", ".DS_Store", "__pycache__"},
			DefaultIcon:   "/static/images/default.png",
			IconURLPrefix: "/static/images/",
		},
		Installer: InstallerConfig{
			Manifest: "requirements.txt",
			Shell:    "/bin/sh",
			Timeout:  10 * time.Minute,
		},
		Runtimes: RuntimesConfig{
			Order: []string{"script", "lua", "binary"},
			Script: ScriptRuntimeConfig{
				EntryPoint:    "main.py",
				SourceExt:     ".py",
				PackageMarker: "__init__.py",
				Command:       []string{"python3"},
				VenvPython:    "venv/bin/python",
				StartTimeout:  20 * time.Second,
				StopTimeout:   5 * time.Second,
			},
			Lua: LuaRuntimeConfig{
				EntryPoint:     "main.lua",
				SourceExt:      ".lua",
				RequestTimeout: 5 * time.Second,
			},
			Binary: BinaryRuntimeConfig{
				EntryPoint:     "plugin",
				StartTimeout:   10 * time.Second,
				RequestTimeout: 30 * time.Second,
			},
		},
		Lifecycle: LifecycleConfig{
			ReleaseTimeout: 5 * time.Second,
			LoadWorkers:    4,
		},
		Auth: AuthConfig{Username: "admin"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":          "server.addr",
	"metrics-addr":  "metrics.addr",
	"log-format":    "log.format",
	"log-level":     "log.level",
	"data-dir":      "paths.data_dir",
	"registry":      "registry.driver",
	"database-url":  "registry.database_url",
	"on-conflict":   "upload.on_conflict",
	"provision":     "installer.script",
	"python":        "runtimes.script.command",
	"install-limit": "installer.timeout",
}

// Load builds the configuration. path may be empty, in which case the XDG
// default config file is read if it exists. Only flags explicitly set on the
// command line override file values.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		if def, err := xdg.DefaultConfigFile(); err == nil {
			path = def
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
			}
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	// Lists replace their defaults rather than merging element-wise.
	for key, dst := range map[string]*[]string{
		"upload.exclude":          &cfg.Upload.Exclude,
		"runtimes.order":          &cfg.Runtimes.Order,
		"runtimes.script.command": &cfg.Runtimes.Script.Command,
	} {
		if k.Exists(key) {
			*dst = nil
		}
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	if cfg.Registry.DatabaseURL == "" {
		cfg.Registry.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths fills empty paths from the data directory.
func (c *Config) resolvePaths() error {
	p := &c.Paths
	if p.DataDir == "" {
		dir, err := xdg.DataDir()
		if err != nil {
			return oops.Code("CONFIG_INVALID").Hint("set paths.data_dir or --data-dir").Wrap(err)
		}
		p.DataDir = dir
	}
	def := func(v *string, name string) {
		if *v == "" {
			*v = filepath.Join(p.DataDir, name)
		}
	}
	def(&p.PluginsDir, "plugins")
	def(&p.BackupDir, "backups")
	def(&p.StagingDir, "staging")
	def(&p.StaticDir, "static")
	def(&p.RegistryFile, "registry.json")
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...)
	}

	if c.Server.Addr == "" {
		return invalid("server.addr", "server.addr is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	switch c.Registry.Driver {
	case RegistryFile:
	case RegistryPostgres:
		if c.Registry.DatabaseURL == "" {
			return invalid("registry.database_url", "registry.database_url (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return invalid("registry.driver", "registry.driver must be %q or %q, got %q", RegistryFile, RegistryPostgres, c.Registry.Driver)
	}
	if c.Upload.OnConflict != OnConflictReplace && c.Upload.OnConflict != OnConflictReject {
		return invalid("upload.on_conflict", "upload.on_conflict must be %q or %q, got %q", OnConflictReplace, OnConflictReject, c.Upload.OnConflict)
	}
	if c.Upload.MaxBytes <= 0 {
		return invalid("upload.max_bytes", "upload.max_bytes must be positive")
	}
	if len(c.Runtimes.Order) == 0 {
		return invalid("runtimes.order", "at least one runtime must be enabled")
	}
	for _, name := range c.Runtimes.Order {
		switch name {
		case "script":
			if len(c.Runtimes.Script.Command) == 0 {
				return invalid("runtimes.script.command", "runtimes.script.command is required")
			}
		case "lua", "binary":
		default:
			return invalid("runtimes.order", "unknown runtime %q", name)
		}
	}
	if c.Installer.Shell == "" {
		return invalid("installer.shell", "installer.shell is required")
	}
	if c.Lifecycle.LoadWorkers < 1 {
		return invalid("lifecycle.load_workers", "lifecycle.load_workers must be at least 1")
	}
	return nil
}
