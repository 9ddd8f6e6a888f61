// Package login obtains a refresh token by QR-code login. The caller shows
// the QR content, the user scans it with the mobile app, and Flow polls the
// passport service until the scan is confirmed, the code expires, or the
// poll budget runs out.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/drivedav/internal/backoff"
)

// Defaults for Flow fields left zero.
const (
	DefaultInterval = 3 * time.Second
	DefaultMaxPolls = 10
)

// Terminal login failures.
var (
	ErrLoginFailed   = errors.New("login: failed")
	ErrQRCodeExpired = fmt.Errorf("%w: qr code expired", ErrLoginFailed)
)

// Status is the server-side state of a QR session.
type Status string

// QR session states as reported by the passport service. "SCANED" is the
// service's spelling.
const (
	StatusNew       Status = "NEW"
	StatusScanned   Status = "SCANED"
	StatusConfirmed Status = "CONFIRMED"
	StatusExpired   Status = "EXPIRED"
)

// Session identifies one QR login attempt.
type Session struct {
	// T and CK are opaque values echoed back on every query.
	T  string
	CK string
	// Content is what the QR code must encode.
	Content string
}

// PollResult is the outcome of one status query.
type PollResult struct {
	Status       Status
	RefreshToken string
}

// API is the QR session endpoint pair.
type API interface {
	Generate(ctx context.Context) (*Session, error)
	Query(ctx context.Context, s *Session) (*PollResult, error)
}

// Flow runs one QR login.
type Flow struct {
	API      API
	Interval time.Duration
	MaxPolls int
	// Display renders the QR content before polling starts.
	Display func(content string) error
	Sleep   backoff.SleepFunc
	Logger  *slog.Logger
}

// Run creates a session, displays it and polls until a terminal state.
// It returns the refresh token on confirmation.
func (f *Flow) Run(ctx context.Context) (string, error) {
	interval := f.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	maxPolls := f.MaxPolls
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}

	sleep := f.Sleep
	if sleep == nil {
		sleep = backoff.Sleep
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sess, err := f.API.Generate(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: generating qr code: %w", ErrLoginFailed, err)
	}

	if f.Display != nil {
		if err := f.Display(sess.Content); err != nil {
			return "", fmt.Errorf("login: displaying qr code: %w", err)
		}
	}

	logger.Info("waiting for qr code scan",
		slog.Duration("interval", interval),
		slog.Int("max_polls", maxPolls),
	)

	for poll := 1; poll <= maxPolls; poll++ {
		if err := sleep(ctx, interval); err != nil {
			return "", fmt.Errorf("login: %w", err)
		}

		res, err := f.API.Query(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("login: %w", ctx.Err())
			}

			logger.Warn("qr status query failed",
				slog.Int("poll", poll),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch res.Status {
		case StatusConfirmed:
			if res.RefreshToken == "" {
				return "", fmt.Errorf("%w: confirmed without a refresh token", ErrLoginFailed)
			}

			logger.Info("qr login confirmed", slog.Int("poll", poll))

			return res.RefreshToken, nil
		case StatusExpired:
			return "", ErrQRCodeExpired
		case StatusScanned:
			logger.Info("qr code scanned, waiting for confirmation", slog.Int("poll", poll))
		default:
			logger.Debug("qr code not scanned yet",
				slog.Int("poll", poll),
				slog.String("status", string(res.Status)),
			)
		}
	}

	return "", fmt.Errorf("%w: not confirmed after %d polls", ErrLoginFailed, maxPolls)
}
