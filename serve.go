package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/webdav"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/drivedav/internal/auth"
	"github.com/tonimelisma/drivedav/internal/config"
	"github.com/tonimelisma/drivedav/internal/dircache"
	"github.com/tonimelisma/drivedav/internal/metrics"
	"github.com/tonimelisma/drivedav/internal/vfs"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 30 * time.Second
	authRealm         = "drivedav"
	spoolDirName      = "uploads"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the drive over WebDAV (default command)",
		Long: `Serve the drive over WebDAV.

On first start without a refresh token, a QR code is printed for login with
the mobile app. Send SIGINT or SIGTERM to stop; a second signal forces exit.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	release, err := lockWorkdir(cfg.Workdir)
	if err != nil {
		return err
	}
	defer release()

	sess, err := openSession(ctx, cfg, sessionDeps{
		httpClient: driveHTTPClient(),
		login: func(ctx context.Context) (string, error) {
			return qrLogin(ctx, cfg, os.Stderr, logger)
		},
		logger: logger,
	})
	if err != nil {
		return err
	}

	fsys, err := newFileSystem(cfg, sess.Client, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newDAVHandler(fsys, cfg, logger),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	// The WebDAV server is the only member whose failure is fatal; the
	// others log and return nil so they never take it down.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := auth.WatchTokenFile(gctx, sess.TokenPath, sess.Manager, logger); err != nil {
			logger.Warn("token file watcher stopped", slog.String("error", err.Error()))
		}

		return nil
	})

	if cfg.MetricsListen != "" {
		g.Go(func() error {
			serveMetrics(gctx, cfg.MetricsListen, logger)

			return nil
		})
	}

	g.Go(func() error {
		return serveHTTP(gctx, srv, cfg, logger)
	})

	return g.Wait()
}

// newFileSystem wires the directory cache and the WebDAV filesystem. Upload
// spool files live under the workdir; leftovers from a crash are cleared
// because the workdir lock guarantees no other process uses them.
func newFileSystem(cfg *config.Resolved, remote vfs.Remote, logger *slog.Logger) (*vfs.FileSystem, error) {
	cache, err := dircache.New(dircache.Options{
		Capacity: cfg.CacheSize,
		TTL:      cfg.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating directory cache: %w", err)
	}

	spool := filepath.Join(cfg.Workdir, spoolDirName)
	if err := os.RemoveAll(spool); err != nil {
		return nil, fmt.Errorf("clearing upload spool: %w", err)
	}

	if err := os.MkdirAll(spool, pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating upload spool: %w", err)
	}

	return vfs.New(vfs.Options{
		Remote:         remote,
		Cache:          cache,
		Root:           cfg.Root,
		ReadOnly:       cfg.ReadOnly,
		ReadBufferSize: cfg.ReadBufferSize,
		TempDir:        spool,
		Logger:         logger,
	}), nil
}

// newDAVHandler builds the WebDAV handler, behind basic auth when a user is
// configured. Locks are held in memory only. With auto_index, browser GETs on
// folders get an HTML listing instead of 405.
func newDAVHandler(fsys webdav.FileSystem, cfg *config.Resolved, logger *slog.Logger) http.Handler {
	prefix := strings.TrimRight(cfg.StripPrefix, "/")

	var h http.Handler = &webdav.Handler{
		Prefix:     prefix,
		FileSystem: fsys,
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			}

			if err != nil {
				logger.Debug("webdav request failed", append(attrs, slog.String("error", err.Error()))...)

				return
			}

			logger.Debug("webdav request", attrs...)
		},
	}

	if cfg.AutoIndex {
		h = autoIndex(h, fsys, prefix, logger)
	}

	if cfg.AuthUser != "" {
		h = basicAuth(h, cfg.AuthUser, cfg.AuthPassword)
	}

	return h
}

// basicAuth rejects requests without matching credentials.
func basicAuth(next http.Handler, user, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+authRealm+`"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// serveHTTP runs srv until ctx is canceled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, cfg *config.Resolved, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	useTLS := cfg.TLSCert != ""

	errCh := make(chan error, 1)

	go func() {
		if useTLS {
			errCh <- srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)

			return
		}

		errCh <- srv.Serve(ln)
	}()

	logger.Info("webdav server listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", useTLS),
		slog.Bool("read_only", cfg.ReadOnly),
		slog.Bool("auto_index", cfg.AutoIndex),
		slog.String("root", cfg.Root),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("serving webdav: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down webdav server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down webdav server: %w", err)
	}

	return nil
}

// serveMetrics exposes Prometheus metrics until ctx is canceled. Failures
// are logged and do not stop the WebDAV server.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("metrics endpoint listening", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", slog.String("error", err.Error()))
	}
}
