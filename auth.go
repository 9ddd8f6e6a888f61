package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivedav/internal/auth"
	"github.com/tonimelisma/drivedav/internal/config"
	"github.com/tonimelisma/drivedav/internal/login"
	"github.com/tonimelisma/drivedav/internal/tokenfile"
)

// errNotLoggedIn is returned by whoami when the workdir holds no token.
var errNotLoggedIn = errors.New("not logged in, run 'drivedav login' first")

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in by scanning a QR code with the mobile app",
		Long: `Log in by scanning a QR code with the mobile app.

The refresh token is saved to the workdir. A running server picks it up
without a restart.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved refresh token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the account recorded in the saved token",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

// Login and logout do not take the workdir lock: the token file is replaced
// atomically and a running server reloads it.
func runLogin(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	if cfg.DomainID != "" {
		return errors.New("QR login is not available for PDS domains; set drive.refresh_token instead")
	}

	logger.Info("login started")

	rt, err := qrLogin(ctx, cfg, os.Stderr, logger)
	if err != nil {
		return err
	}

	path := tokenfile.Path(cfg.Workdir)
	if err := saveLoginToken(path, rt); err != nil {
		return err
	}

	logger.Info("login successful", slog.String("path", path))
	statusf(flagQuiet, "Login successful. Token saved to %s\n", path)

	return nil
}

// qrLogin runs the QR flow, rendering the code on w. The code is printed
// even with --quiet because login cannot proceed without it.
func qrLogin(ctx context.Context, cfg *config.Resolved, w io.Writer, logger *slog.Logger) (string, error) {
	flow := newQRFlow(login.DefaultPassportURL, cfg.LoginInterval, cfg.LoginMaxPolls, w, logger)

	return flow.Run(ctx)
}

func newQRFlow(passportURL string, interval time.Duration, maxPolls int, w io.Writer, logger *slog.Logger) *login.Flow {
	return &login.Flow{
		API:      login.NewPassportClient(passportURL, defaultHTTPClient()),
		Interval: interval,
		MaxPolls: maxPolls,
		Display:  qrDisplay(w),
		Logger:   logger,
	}
}

func qrDisplay(w io.Writer) func(content string) error {
	return func(content string) error {
		qrterminal.GenerateHalfBlock(content, qrterminal.L, w)

		_, err := fmt.Fprintln(w, "Scan the QR code with the mobile app and confirm the login.")

		return err
	}
}

// saveLoginToken stores a QR-login refresh token. The device ID survives
// re-login; account metadata is dropped because the new token may belong
// to a different account.
func saveLoginToken(path, refreshToken string) error {
	// An unreadable file is simply replaced.
	meta, _ := tokenfile.ReadMeta(path)

	kept := map[string]string{tokenfile.MetaVariant: string(auth.VariantMobile)}
	if id := meta[tokenfile.MetaDeviceID]; id != "" {
		kept[tokenfile.MetaDeviceID] = id
	}

	if err := tokenfile.Save(path, &oauth2.Token{RefreshToken: refreshToken}, kept); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	path := tokenfile.Path(resolvedCfg.Workdir)

	if err := tokenfile.Remove(path); err != nil {
		return err
	}

	logger.Info("logout successful", slog.String("path", path))
	statusf(flagQuiet, "Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Variant  string `json:"variant"`
	UserID   string `json:"user_id,omitempty"`
	DriveID  string `json:"drive_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Expiry   string `json:"access_token_expiry,omitempty"`
}

func runWhoami(_ *cobra.Command, _ []string) error {
	out, err := readWhoami(tokenfile.Path(resolvedCfg.Workdir))
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	return printWhoamiText(os.Stdout, out)
}

// readWhoami reports what the token file records. It makes no network call.
func readWhoami(path string) (*whoamiOutput, error) {
	tok, meta, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, errNotLoggedIn
	}

	out := &whoamiOutput{
		Variant:  meta[tokenfile.MetaVariant],
		UserID:   meta[tokenfile.MetaUserID],
		DriveID:  meta[tokenfile.MetaDriveID],
		DeviceID: meta[tokenfile.MetaDeviceID],
	}

	if out.Variant == "" {
		out.Variant = string(auth.VariantWeb)
	}

	if !tok.Expiry.IsZero() {
		out.Expiry = tok.Expiry.UTC().Format("2006-01-02T15:04:05Z")
	}

	return out, nil
}

func printWhoamiText(w io.Writer, out *whoamiOutput) error {
	ew := &errWriter{w: w}
	ew.printf("Variant: %s\n", out.Variant)

	if out.UserID != "" {
		ew.printf("User:    %s\n", out.UserID)
	}

	if out.DriveID != "" {
		ew.printf("Drive:   %s\n", out.DriveID)
	} else {
		ew.printf("Drive:   unknown (token not yet used)\n")
	}

	if out.Expiry != "" {
		ew.printf("Access token expires: %s\n", out.Expiry)
	}

	return ew.err
}
