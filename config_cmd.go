package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivedav/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}
}

// configJSON is the `config show --json` schema. Secrets are redacted.
type configJSON struct {
	ConfigPath      string `json:"config_path"`
	Addr            string `json:"addr"`
	AuthUser        string `json:"auth_user,omitempty"`
	AuthEnabled     bool   `json:"auth_enabled"`
	StripPrefix     string `json:"strip_prefix,omitempty"`
	TLS             bool   `json:"tls"`
	ReadOnly        bool   `json:"read_only"`
	ReadBufferSize  int    `json:"read_buffer_size"`
	AutoIndex       bool   `json:"auto_index"`
	RefreshTokenSet bool   `json:"refresh_token_set"`
	Root            string `json:"root"`
	Workdir         string `json:"workdir"`
	Trash           bool   `json:"trash"`
	DomainID        string `json:"domain_id,omitempty"`
	APIBaseURL      string `json:"api_base_url"`
	UploadPartSize  int64  `json:"upload_part_size"`
	BandwidthLimit  int64  `json:"bandwidth_limit"`
	CacheSize       int    `json:"cache_size"`
	CacheTTL        string `json:"cache_ttl"`
	MaxRetries      int    `json:"max_retries"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	MetricsListen   string `json:"metrics_listen,omitempty"`
}

func newConfigJSON(r *config.Resolved) configJSON {
	return configJSON{
		ConfigPath:      r.ConfigPath,
		Addr:            r.Addr,
		AuthUser:        r.AuthUser,
		AuthEnabled:     r.AuthUser != "",
		StripPrefix:     r.StripPrefix,
		TLS:             r.TLSCert != "",
		ReadOnly:        r.ReadOnly,
		ReadBufferSize:  r.ReadBufferSize,
		AutoIndex:       r.AutoIndex,
		RefreshTokenSet: r.RefreshToken != "",
		Root:            r.Root,
		Workdir:         r.Workdir,
		Trash:           r.Trash,
		DomainID:        r.DomainID,
		APIBaseURL:      r.APIBaseURL,
		UploadPartSize:  r.UploadPartSize,
		BandwidthLimit:  r.BandwidthLimit,
		CacheSize:       r.CacheSize,
		CacheTTL:        r.CacheTTL.String(),
		MaxRetries:      r.Retry.MaxRetries,
		LogLevel:        r.LogLevel,
		LogFormat:       r.LogFormat,
		MetricsListen:   r.MetricsListen,
	}
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(newConfigJSON(resolvedCfg))
	}

	return config.RenderEffective(resolvedCfg, os.Stdout)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := flagConfigPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}

	if path == "" {
		path = config.DefaultConfigPath()
	}

	if err := config.WriteDefault(path); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			return fmt.Errorf("%w (edit it or pass --config to write elsewhere)", err)
		}

		return err
	}

	statusf(flagQuiet, "Wrote %s\n", path)

	return nil
}
