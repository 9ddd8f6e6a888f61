package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivedav/internal/auth"
	"github.com/tonimelisma/drivedav/internal/bandwidth"
	"github.com/tonimelisma/drivedav/internal/config"
	"github.com/tonimelisma/drivedav/internal/drive"
	"github.com/tonimelisma/drivedav/internal/tokenfile"
)

// errNoToken means there is nothing to authenticate with and QR login is
// not available.
var errNoToken = errors.New("no refresh token: set drive.refresh_token or run 'drivedav login'")

// loginFunc obtains a fresh refresh token interactively.
type loginFunc func(ctx context.Context) (string, error)

// DriveSession bundles the authenticated pieces a command needs.
type DriveSession struct {
	Manager   *auth.Manager
	Client    *drive.Client
	TokenPath string
}

// tokenCandidate is one refresh token to try, with where it came from.
type tokenCandidate struct {
	source  string
	token   *oauth2.Token
	variant auth.Variant
}

// sessionDeps are the injectable collaborators of openSession.
type sessionDeps struct {
	httpClient *http.Client
	login      loginFunc
	logger     *slog.Logger
}

// openSession bootstraps authentication and returns a ready drive client.
// The workdir token file is tried first because it holds the latest rotated
// token; the configured token is the fallback when the file's token is
// rejected. With neither present, login runs if the caller allows it.
func openSession(ctx context.Context, cfg *config.Resolved, deps sessionDeps) (*DriveSession, error) {
	logger := deps.logger
	tokenPath := tokenfile.Path(cfg.Workdir)

	cands, meta, err := tokenCandidates(cfg, tokenPath, logger)
	if err != nil {
		return nil, err
	}

	if len(cands) == 0 {
		if deps.login == nil || cfg.DomainID != "" {
			return nil, errNoToken
		}

		rt, err := deps.login(ctx)
		if err != nil {
			return nil, fmt.Errorf("qr login: %w", err)
		}

		cands = []tokenCandidate{{source: "qr login", token: &oauth2.Token{RefreshToken: rt}, variant: auth.VariantMobile}}
	}

	if meta[tokenfile.MetaDeviceID] == "" {
		meta[tokenfile.MetaDeviceID] = uuid.NewString()
	}

	var mgr *auth.Manager

	for i, c := range cands {
		mgr, err = newManager(cfg, c, meta, tokenPath, deps)
		if err != nil {
			return nil, err
		}

		_, err = mgr.ForceRefresh(ctx)
		if err == nil {
			logger.Debug("authenticated", slog.String("source", c.source), slog.String("variant", string(c.variant)))
			break
		}

		if errors.Is(err, auth.ErrRefreshTokenInvalid) && i < len(cands)-1 {
			logger.Warn("refresh token rejected, trying next source",
				slog.String("source", c.source),
			)

			continue
		}

		if errors.Is(err, auth.ErrRefreshTokenInvalid) {
			return nil, fmt.Errorf("refresh token from %s was rejected, run 'drivedav login': %w", c.source, err)
		}

		return nil, fmt.Errorf("refreshing access token: %w", err)
	}

	driveID := mgr.DriveID()
	if driveID == "" {
		return nil, errors.New("token response did not include a drive ID")
	}

	client := drive.NewClient(drive.Options{
		BaseURL:     cfg.APIBaseURL,
		DriveID:     driveID,
		HTTPClient:  deps.httpClient,
		Credentials: mgr,
		Retry:       cfg.Retry,
		Trash:       cfg.Trash,
		DeviceID:    mgr.Meta()[tokenfile.MetaDeviceID],
		PartSize:    cfg.UploadPartSize,
		Bandwidth:   bandwidth.New(cfg.BandwidthLimit),
		Logger:      logger,
	})

	return &DriveSession{Manager: mgr, Client: client, TokenPath: tokenPath}, nil
}

// tokenCandidates lists the refresh tokens to try in order, plus the stored
// metadata (never nil).
func tokenCandidates(cfg *config.Resolved, tokenPath string, logger *slog.Logger) ([]tokenCandidate, map[string]string, error) {
	var cands []tokenCandidate

	tok, meta, err := tokenfile.Load(tokenPath)

	switch {
	case errors.Is(err, tokenfile.ErrNoRefreshToken):
		logger.Warn("ignoring token file without refresh token", slog.String("path", tokenPath))
	case err != nil:
		return nil, nil, err
	case tok != nil:
		variant := auth.Variant(meta[tokenfile.MetaVariant])
		if variant == "" {
			variant = auth.VariantWeb
		}

		cands = append(cands, tokenCandidate{source: tokenPath, token: tok, variant: variant})
	}

	if meta == nil {
		meta = make(map[string]string)
	}

	if cfg.RefreshToken != "" {
		rt, variant := auth.SplitRefreshToken(cfg.RefreshToken)
		if tok == nil || tok.RefreshToken != rt {
			cands = append(cands, tokenCandidate{
				source:  "configured refresh token",
				token:   &oauth2.Token{RefreshToken: rt},
				variant: variant,
			})
		}
	}

	if cfg.DomainID != "" {
		for i := range cands {
			cands[i].variant = auth.VariantPDS
		}
	}

	return cands, meta, nil
}

func newManager(
	cfg *config.Resolved, c tokenCandidate, meta map[string]string, tokenPath string, deps sessionDeps,
) (*auth.Manager, error) {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = auth.TokenURL(c.variant, cfg.DomainID)
	}

	appID := ""
	if c.variant == auth.VariantPDS {
		appID = auth.PDSAppID
	}

	m := maps.Clone(meta)
	m[tokenfile.MetaVariant] = string(c.variant)

	return auth.NewManager(auth.ManagerConfig{
		Exchanger: auth.NewHTTPExchanger(tokenURL, appID, deps.httpClient),
		TokenPath: tokenPath,
		Initial:   c.token,
		Meta:      m,
		Retry:     cfg.Retry,
		Logger:    deps.logger,
	})
}
