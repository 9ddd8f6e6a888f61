package config

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

const redacted = "<redacted>"

// RenderEffective writes the resolved configuration as a human-readable
// summary to w. This powers "config show". Secrets are redacted.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[server]\n")
	ew.printf("  addr             = %q\n", r.Addr)
	ew.printf("  auth_user        = %q\n", r.AuthUser)
	ew.printf("  auth_password    = %q\n", secret(r.AuthPassword))
	ew.printf("  strip_prefix     = %q\n", r.StripPrefix)

	if r.TLSCert != "" {
		ew.printf("  tls_cert         = %q\n", r.TLSCert)
		ew.printf("  tls_key          = %q\n", r.TLSKey)
	}

	ew.printf("  read_only        = %t\n", r.ReadOnly)
	ew.printf("  read_buffer_size = %q\n", humanize.IBytes(uint64(r.ReadBufferSize)))
	ew.printf("  auto_index       = %t\n", r.AutoIndex)
	ew.printf("\n")

	ew.printf("[drive]\n")
	ew.printf("  refresh_token    = %q\n", secret(r.RefreshToken))
	ew.printf("  root             = %q\n", r.Root)
	ew.printf("  workdir          = %q\n", r.Workdir)
	ew.printf("  trash            = %t\n", r.Trash)

	if r.DomainID != "" {
		ew.printf("  domain_id        = %q\n", r.DomainID)
	}

	ew.printf("  api_base_url     = %q\n", r.APIBaseURL)

	if r.TokenURL != "" {
		ew.printf("  token_url        = %q\n", r.TokenURL)
	}

	ew.printf("  upload_part_size = %q\n", humanize.IBytes(uint64(r.UploadPartSize)))

	if r.BandwidthLimit > 0 {
		ew.printf("  bandwidth_limit  = %q\n", humanize.Bytes(uint64(r.BandwidthLimit))+"/s")
	}

	ew.printf("\n")

	ew.printf("[cache]\n")
	ew.printf("  size = %d\n", r.CacheSize)
	ew.printf("  ttl  = %q\n", r.CacheTTL)
	ew.printf("\n")

	ew.printf("[retry]\n")
	ew.printf("  max_retries  = %d\n", r.Retry.MaxRetries)
	ew.printf("  base_backoff = %q\n", r.Retry.Base)
	ew.printf("  max_backoff  = %q\n", r.Retry.Max)
	ew.printf("\n")

	ew.printf("[login]\n")
	ew.printf("  poll_interval = %q\n", r.LoginInterval)
	ew.printf("  max_polls     = %d\n", r.LoginMaxPolls)
	ew.printf("\n")

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)

	if r.MetricsListen != "" {
		ew.printf("\n[metrics]\n")
		ew.printf("  listen = %q\n", r.MetricsListen)
	}

	return ew.err
}

func secret(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
