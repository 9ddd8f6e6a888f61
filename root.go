package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivedav/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// serverFlags holds the values of the serve/drive flags. Only flags the user
// actually set are forwarded to the config resolver.
type serverFlags struct {
	host           string
	port           int
	refreshToken   string
	authUser       string
	authPassword   string
	root           string
	workdir        string
	noTrash        bool
	domainID       string
	readOnly       bool
	readBufferSize string
	autoIndex      bool
	cacheSize      int
	cacheTTL       string
	stripPrefix    string
	tlsCert        string
	tlsKey         string
	metricsListen  string
	bandwidth      string
}

var flags serverFlags

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// httpClientTimeout bounds passport requests during login. Drive traffic
// streams file bodies and uses transport-level timeouts instead.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

const responseHeaderTimeout = 60 * time.Second

// driveHTTPClient returns the client used for API calls and transfers.
func driveHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = responseHeaderTimeout
	t.MaxIdleConnsPerHost = 16

	return &http.Client{Transport: t}
}

// skipConfigCommands lists commands that must work without a valid config.
var skipConfigCommands = map[string]bool{
	"drivedav config init": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Running the root command without a subcommand
// starts the WebDAV server.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "drivedav",
		Short:   "WebDAV server for a cloud drive",
		Long:    "Serve a cloud drive account over WebDAV, with QR-code login and a local directory cache.",
		Version: version,
		Args:    cobra.NoArgs,
		// Silence Cobra's default error/usage printing; main reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
		RunE: runServe,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&flagVerbose, "debug", false, "alias for --verbose")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	cmd.MarkFlagsMutuallyExclusive("debug", "quiet")

	pf.StringVar(&flags.host, "host", "", "listen host")
	pf.IntVarP(&flags.port, "port", "p", 0, "listen port")
	pf.StringVarP(&flags.refreshToken, "refresh-token", "r", "", "refresh token used when the workdir holds none")
	pf.StringVarP(&flags.authUser, "auth-user", "U", "", "WebDAV basic auth user")
	pf.StringVarP(&flags.authPassword, "auth-password", "W", "", "WebDAV basic auth password")
	pf.StringVar(&flags.root, "root", "", "remote folder served as the WebDAV root")
	pf.StringVarP(&flags.workdir, "workdir", "w", "", "directory for the token file, lock and upload spool")
	pf.BoolVar(&flags.noTrash, "no-trash", false, "delete permanently instead of moving to the recycle bin")
	pf.StringVar(&flags.domainID, "domain-id", "", "PDS domain ID")
	pf.BoolVar(&flags.readOnly, "read-only", false, "reject all modifications")
	pf.StringVarP(&flags.readBufferSize, "read-buffer-size", "S", "", "download buffer size, e.g. 10MiB")
	pf.BoolVarP(&flags.autoIndex, "auto-index", "I", false, "render an HTML index for browser GETs on folders")
	pf.IntVar(&flags.cacheSize, "cache-size", 0, "maximum cached directory entries")
	pf.StringVar(&flags.cacheTTL, "cache-ttl", "", "directory cache TTL, e.g. 600s")
	pf.StringVar(&flags.stripPrefix, "strip-prefix", "", "URL prefix removed before path resolution")
	pf.StringVar(&flags.tlsCert, "tls-cert", "", "TLS certificate file")
	pf.StringVar(&flags.tlsKey, "tls-key", "", "TLS private key file")
	pf.StringVar(&flags.metricsListen, "metrics-listen", "", "address for the Prometheus /metrics endpoint")
	pf.StringVar(&flags.bandwidth, "bandwidth-limit", "", "cap combined transfer rate, e.g. 5MB/s (0 = unlimited)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// changed returns v when the named flag was set on the command line, nil
// otherwise.
func changed[T any](cmd *cobra.Command, name string, v *T) *T {
	if cmd.Flags().Changed(name) {
		return v
	}

	return nil
}

// cliOverrides collects the flags the user set into config overrides.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	return config.CLIOverrides{
		ConfigPath:     flagConfigPath,
		Host:           changed(cmd, "host", &flags.host),
		Port:           changed(cmd, "port", &flags.port),
		RefreshToken:   changed(cmd, "refresh-token", &flags.refreshToken),
		AuthUser:       changed(cmd, "auth-user", &flags.authUser),
		AuthPassword:   changed(cmd, "auth-password", &flags.authPassword),
		Root:           changed(cmd, "root", &flags.root),
		Workdir:        changed(cmd, "workdir", &flags.workdir),
		NoTrash:        changed(cmd, "no-trash", &flags.noTrash),
		DomainID:       changed(cmd, "domain-id", &flags.domainID),
		ReadOnly:       changed(cmd, "read-only", &flags.readOnly),
		ReadBufferSize: changed(cmd, "read-buffer-size", &flags.readBufferSize),
		AutoIndex:      changed(cmd, "auto-index", &flags.autoIndex),
		CacheSize:      changed(cmd, "cache-size", &flags.cacheSize),
		CacheTTL:       changed(cmd, "cache-ttl", &flags.cacheTTL),
		StripPrefix:    changed(cmd, "strip-prefix", &flags.stripPrefix),
		TLSCert:        changed(cmd, "tls-cert", &flags.tlsCert),
		TLSKey:         changed(cmd, "tls-key", &flags.tlsKey),
		MetricsListen:  changed(cmd, "metrics-listen", &flags.metricsListen),
		BandwidthLimit: changed(cmd, "bandwidth-limit", &flags.bandwidth),
	}
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	resolved, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// logLevel returns the effective level. Config provides the baseline;
// --verbose and --quiet override it because CLI flags always win.
func logLevel() slog.Level {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return level
}

// buildLogger creates the process logger on stderr.
func buildLogger() *slog.Logger {
	format := "auto"
	if resolvedCfg != nil {
		format = resolvedCfg.LogFormat
	}

	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	return slog.New(newLogHandler(os.Stderr, logLevel(), format, color))
}

// newLogHandler picks the handler for a log format. "auto" is tint's
// human-oriented output, colored only on a terminal.
func newLogHandler(w io.Writer, level slog.Level, format string, color bool) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !color,
		})
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
