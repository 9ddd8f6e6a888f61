package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "DRIVEDAV_CONFIG"
	EnvRefreshToken = "REFRESH_TOKEN"
	EnvHost         = "HOST"
	EnvPort         = "PORT"
	EnvAuthUser     = "WEBDAV_AUTH_USER"
	EnvAuthPassword = "WEBDAV_AUTH_PASSWORD"
	EnvTLSCert      = "TLS_CERT"
	EnvTLSKey       = "TLS_KEY"
	EnvStripPrefix  = "WEBDAV_STRIP_PREFIX"
)

// EnvOverrides holds values derived from environment variables. Empty means
// unset. Port stays a string so a malformed value is reported by Resolve.
type EnvOverrides struct {
	ConfigPath   string
	RefreshToken string
	Host         string
	Port         string
	AuthUser     string
	AuthPassword string
	TLSCert      string
	TLSKey       string
	StripPrefix  string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		RefreshToken: os.Getenv(EnvRefreshToken),
		Host:         os.Getenv(EnvHost),
		Port:         os.Getenv(EnvPort),
		AuthUser:     os.Getenv(EnvAuthUser),
		AuthPassword: os.Getenv(EnvAuthPassword),
		TLSCert:      os.Getenv(EnvTLSCert),
		TLSKey:       os.Getenv(EnvTLSKey),
		StripPrefix:  os.Getenv(EnvStripPrefix),
	}
}
