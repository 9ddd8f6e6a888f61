// Package testutil provides environment helpers for the live E2E tests. It
// depends only on the standard library because the E2E package drives the
// built binary and never imports internal/.
package testutil

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// PrepareWorkdir returns the persistent E2E working directory under
// .testdata/. Refresh tokens rotate on every use, so the directory must
// survive between runs: the first run bootstraps from REFRESH_TOKEN and
// later runs reuse the rotated token the binary saved there.
// Crashes when neither a saved token nor REFRESH_TOKEN is available.
func PrepareWorkdir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata", "workdir")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating %s: %v\n", dir, err)
		os.Exit(1)
	}

	if _, err := os.Stat(filepath.Join(dir, "refresh_token.json")); err == nil {
		return dir
	}

	if os.Getenv("REFRESH_TOKEN") == "" {
		fmt.Fprintln(os.Stderr, "FATAL: no saved token in "+dir+" and REFRESH_TOKEN not set")
		fmt.Fprintln(os.Stderr, "Set REFRESH_TOKEN in .env for the first run.")
		os.Exit(1)
	}

	return dir
}

// FreeAddr returns a loopback address with a port nobody is listening on.
func FreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer ln.Close()

	return ln.Addr().String(), nil
}

// WaitForListener polls addr until it accepts a TCP connection.
func WaitForListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn.Close()
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%s not listening after %s: %w", addr, timeout, err)
		}

		time.Sleep(100 * time.Millisecond)
	}
}
