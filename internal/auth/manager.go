package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/drivedav/internal/backoff"
	"github.com/tonimelisma/drivedav/internal/metrics"
	"github.com/tonimelisma/drivedav/internal/tokenfile"
)

// DefaultMargin is how long before expiry a credential is considered stale.
const DefaultMargin = 60 * time.Second

// refreshTimeout bounds one shared refresh, including its retries. The shared
// call is detached from the first caller's context so one abandoned request
// cannot fail every waiter.
const refreshTimeout = 2 * time.Minute

const refreshKey = "refresh"

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Exchanger Exchanger
	// TokenPath is where rotated tokens are persisted. Empty disables persistence.
	TokenPath string
	// Initial must carry a refresh token. The access token may be empty, in
	// which case the first Credential call refreshes.
	Initial *oauth2.Token
	Meta    map[string]string
	Margin  time.Duration
	Retry   backoff.Policy
	Sleep   backoff.SleepFunc
	Now     func() time.Time
	Logger  *slog.Logger
}

// Manager owns the current access credential.
type Manager struct {
	exchanger Exchanger
	tokenPath string
	margin    time.Duration
	retry     backoff.Policy
	sleep     backoff.SleepFunc
	now       func() time.Time
	logger    *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	tok  *oauth2.Token
	meta map[string]string
}

// NewManager creates a Manager. Zero-valued config fields get defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Initial == nil || cfg.Initial.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	if cfg.Exchanger == nil {
		return nil, errors.New("auth: exchanger is required")
	}

	m := &Manager{
		exchanger: cfg.Exchanger,
		tokenPath: cfg.TokenPath,
		margin:    cfg.Margin,
		retry:     cfg.Retry,
		sleep:     cfg.Sleep,
		now:       cfg.Now,
		logger:    cfg.Logger,
		tok:       cloneToken(cfg.Initial),
		meta:      maps.Clone(cfg.Meta),
	}

	if m.margin <= 0 {
		m.margin = DefaultMargin
	}

	if m.sleep == nil {
		m.sleep = backoff.Sleep
	}

	if m.now == nil {
		m.now = time.Now
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	if m.meta == nil {
		m.meta = make(map[string]string)
	}

	return m, nil
}

// Credential returns a credential valid for at least the safety margin,
// refreshing first when needed. It never returns an expired credential.
func (m *Manager) Credential(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	tok := m.tok
	m.mu.Unlock()

	if m.fresh(tok) {
		return cloneToken(tok), nil
	}

	return m.refresh(ctx, refreshOptions{})
}

// RefreshRejected replaces an access token the server refused. When the
// current credential is already a different, fresh one (another caller
// refreshed meanwhile), it is returned without a new exchange.
func (m *Manager) RefreshRejected(ctx context.Context, rejected string) (*oauth2.Token, error) {
	tok, err := m.refresh(ctx, refreshOptions{rejected: rejected})
	if err != nil {
		return nil, err
	}

	if tok.AccessToken != rejected {
		return tok, nil
	}

	// Joined a shared call that kept the rejected token.
	return m.refresh(ctx, refreshOptions{force: true})
}

// ForceRefresh exchanges the refresh token unconditionally. Concurrent callers
// share the in-flight exchange.
func (m *Manager) ForceRefresh(ctx context.Context) (*oauth2.Token, error) {
	return m.refresh(ctx, refreshOptions{force: true})
}

// DriveID returns the default drive ID reported by the last exchange (or
// loaded from the token file).
func (m *Manager) DriveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.meta[tokenfile.MetaDriveID]
}

// Meta returns a copy of the token metadata.
func (m *Manager) Meta() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.meta)
}

// Reload replaces the refresh token with one written externally (for
// example by `drivedav login` while the server runs). The access token is
// kept only if it belongs to the new grant. Returns false when tok carries
// the refresh token already in use.
func (m *Manager) Reload(tok *oauth2.Token, meta map[string]string) bool {
	if tok == nil || tok.RefreshToken == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tok.RefreshToken == tok.RefreshToken {
		return false
	}

	m.tok = cloneToken(tok)
	maps.Copy(m.meta, meta)

	m.logger.Info("reloaded refresh token from disk",
		slog.Time("expiry", tok.Expiry),
	)

	return true
}

func (m *Manager) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" || tok.Expiry.IsZero() {
		return false
	}

	return tok.Expiry.Sub(m.now()) > m.margin
}

// refreshOptions says when a shared refresh may reuse the current credential.
type refreshOptions struct {
	// force skips the reuse check.
	force bool
	// rejected, when set, is an access token that must not be reused.
	rejected string
}

func (m *Manager) refresh(ctx context.Context, req refreshOptions) (*oauth2.Token, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return m.doRefresh(rctx, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		tok, ok := res.Val.(*oauth2.Token)
		if !ok {
			return nil, fmt.Errorf("auth: unexpected refresh result %T", res.Val)
		}

		return cloneToken(tok), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("auth: waiting for token refresh: %w", ctx.Err())
	}
}

// doRefresh runs inside the singleflight call: at most one at a time. A
// caller that saw a stale credential before an earlier refresh committed
// gets the committed one instead of a second exchange.
func (m *Manager) doRefresh(ctx context.Context, req refreshOptions) (*oauth2.Token, error) {
	m.mu.Lock()
	cur := m.tok
	refreshToken := cur.RefreshToken

	if !req.force && m.fresh(cur) && cur.AccessToken != req.rejected {
		m.mu.Unlock()
		return cloneToken(cur), nil
	}

	m.mu.Unlock()

	m.logger.Debug("refreshing access token")

	var (
		grant *Grant
		err   error
	)

	for attempt := 0; ; attempt++ {
		grant, err = m.exchanger.Exchange(ctx, refreshToken)
		if err == nil {
			break
		}

		if !errors.Is(err, ErrRefreshTransient) || attempt >= m.retry.MaxRetries {
			metrics.TokenRefresh(false)
			m.logger.Error("token refresh failed",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)

			return nil, err
		}

		delay := m.retry.Delay(attempt)
		m.logger.Warn("retrying token refresh",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		if sleepErr := m.sleep(ctx, delay); sleepErr != nil {
			metrics.TokenRefresh(false)
			return nil, fmt.Errorf("auth: token refresh canceled: %w", sleepErr)
		}
	}

	tok := cloneToken(grant.Token)
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	m.mu.Lock()
	if m.tok.RefreshToken != refreshToken {
		// A login was reloaded during the exchange; it owns the token file now.
		m.mu.Unlock()
		metrics.TokenRefresh(true)
		m.logger.Info("discarding refresh superseded by reloaded token")

		return tok, nil
	}

	m.tok = tok
	if grant.DriveID != "" {
		m.meta[tokenfile.MetaDriveID] = grant.DriveID
	}

	if grant.UserID != "" {
		m.meta[tokenfile.MetaUserID] = grant.UserID
	}

	meta := maps.Clone(m.meta)
	m.mu.Unlock()

	metrics.TokenRefresh(true)
	m.logger.Info("access token refreshed", slog.Time("expiry", tok.Expiry))

	m.persist(tok, meta)

	return tok, nil
}

// persist writes the rotated token. Failure is logged, not returned; the
// in-memory credential stays valid.
func (m *Manager) persist(tok *oauth2.Token, meta map[string]string) {
	if m.tokenPath == "" {
		return
	}

	if err := tokenfile.Save(m.tokenPath, tok, meta); err != nil {
		m.logger.Warn("failed to persist refreshed token",
			slog.String("path", m.tokenPath),
			slog.String("error", err.Error()),
		)

		return
	}

	m.logger.Debug("persisted refreshed token", slog.String("path", m.tokenPath))
}

func cloneToken(tok *oauth2.Token) *oauth2.Token {
	if tok == nil {
		return nil
	}

	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
