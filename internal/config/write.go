package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config file may hold a refresh token and a WebDAV password.
const (
	configFilePermissions = 0o600
	configDirPermissions  = 0o700
)

// ErrConfigExists is returned by WriteDefault when the file already exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate lists every option commented out at its default value so
// users can discover them without reading docs.
const configTemplate = `# drivedav configuration
# Uncomment and modify to override defaults.

[server]
# host = "0.0.0.0"
# port = 8080
# auth_user = ""
# auth_password = ""
# strip_prefix = ""
# tls_cert = ""
# tls_key = ""
# read_only = false
# read_buffer_size = "10MiB"
# auto_index = false    # HTML listing for browser GETs on folders

[drive]
# refresh_token = ""
# root = "/"
# workdir = ""          # default: platform cache directory
# no_trash = false
# domain_id = ""        # set for PDS domains
# api_base_url = ""
# token_url = ""
# upload_part_size = "10MiB"
# bandwidth_limit = "0" # e.g. "5MB/s", 0 = unlimited

[cache]
# size = 1000
# ttl = "600s"

[retry]
# max_retries = 5
# base_backoff = "1s"
# max_backoff = "60s"

[login]
# poll_interval = "3s"
# max_polls = 10

[logging]
# log_level = "info"    # debug, info, warn, error
# log_format = "auto"   # auto, text, json

[metrics]
# listen = ""           # e.g. "127.0.0.1:9100"
`

// WriteDefault writes the commented default config to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over the target so a crash never leaves a partial
// file. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
