package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivedav/internal/backoff"
	"github.com/tonimelisma/drivedav/internal/tokenfile"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// noopSleep skips backoff delays in tests.
func noopSleep(_ context.Context, _ time.Duration) error { return nil }

// fakeExchanger returns scripted results and counts calls.
type fakeExchanger struct {
	calls   atomic.Int32
	results []error
	// release, when set, blocks each call until closed.
	release chan struct{}
	entered chan struct{}
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (*Grant, error) {
	n := int(f.calls.Add(1))

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= len(f.results) && f.results[n-1] != nil {
		return nil, f.results[n-1]
	}

	return &Grant{
		Token: &oauth2.Token{
			AccessToken:  fmt.Sprintf("access-%d", n),
			RefreshToken: fmt.Sprintf("%s-rotated", refreshToken),
			TokenType:    "Bearer",
			Expiry:       testNow.Add(2 * time.Hour),
		},
		DriveID: "drive-1",
		UserID:  "user-1",
	}, nil
}

func newTestManager(t *testing.T, ex Exchanger, initial *oauth2.Token, tokenPath string) *Manager {
	t.Helper()

	m, err := NewManager(ManagerConfig{
		Exchanger: ex,
		TokenPath: tokenPath,
		Initial:   initial,
		Retry:     backoff.Policy{MaxRetries: 3},
		Sleep:     noopSleep,
		Now:       func() time.Time { return testNow },
		Logger:    slog.Default(),
	})
	require.NoError(t, err)

	return m
}

func TestNewManager_RequiresRefreshToken(t *testing.T) {
	_, err := NewManager(ManagerConfig{Exchanger: &fakeExchanger{}})
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	_, err = NewManager(ManagerConfig{Exchanger: &fakeExchanger{}, Initial: &oauth2.Token{AccessToken: "a"}})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestCredential_FreshTokenSkipsRefresh(t *testing.T) {
	ex := &fakeExchanger{}
	m := newTestManager(t, ex, &oauth2.Token{
		AccessToken:  "cached",
		RefreshToken: "r",
		Expiry:       testNow.Add(10 * time.Minute),
	}, "")

	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", tok.AccessToken)
	assert.Zero(t, ex.calls.Load())
}

func TestCredential_InsideMarginRefreshes(t *testing.T) {
	ex := &fakeExchanger{}
	m := newTestManager(t, ex, &oauth2.Token{
		AccessToken:  "almost-expired",
		RefreshToken: "r",
		Expiry:       testNow.Add(30 * time.Second),
	}, "")

	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "r-rotated", tok.RefreshToken)
	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, "drive-1", m.DriveID())
	assert.Equal(t, "user-1", m.Meta()[tokenfile.MetaUserID])
}

func TestCredential_NoAccessTokenRefreshes(t *testing.T) {
	ex := &fakeExchanger{}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
}

func TestCredential_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ex := &fakeExchanger{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	const callers = 10

	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results [callers]string
		errs    [callers]error
	)

	started.Add(callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()

			tok, err := m.Credential(context.Background())
			errs[i] = err
			if tok != nil {
				results[i] = tok.AccessToken
			}
		}()
	}

	started.Wait()
	<-ex.entered
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", results[i])
	}
}

func TestCredential_StaleReaderReusesCommittedRefresh(t *testing.T) {
	ex := &fakeExchanger{}

	var pause atomic.Bool

	paused := make(chan struct{})
	resume := make(chan struct{})

	m, err := NewManager(ManagerConfig{
		Exchanger: ex,
		Initial: &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "r",
			Expiry:       testNow.Add(30 * time.Second),
		},
		Sleep: noopSleep,
		Now: func() time.Time {
			if pause.CompareAndSwap(true, false) {
				close(paused)
				<-resume
			}

			return testNow
		},
	})
	require.NoError(t, err)

	// A reads the stale credential and stops before deciding to refresh.
	pause.Store(true)

	done := make(chan *oauth2.Token, 1)
	go func() {
		tok, err := m.Credential(context.Background())
		assert.NoError(t, err)
		done <- tok
	}()

	<-paused

	// B refreshes to completion meanwhile.
	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)

	close(resume)

	tok = <-done
	require.NotNil(t, tok)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load(), "one exchange, one rotation")
}

func TestRefreshRejected(t *testing.T) {
	ex := &fakeExchanger{}
	m := newTestManager(t, ex, &oauth2.Token{
		AccessToken:  "a",
		RefreshToken: "r",
		Expiry:       testNow.Add(time.Hour),
	}, "")

	tok, err := m.RefreshRejected(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load())

	// A second 401 carrying the token already replaced reuses the new one.
	tok, err = m.RefreshRejected(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load())

	tok, err = m.RefreshRejected(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, int32(2), ex.calls.Load())
}

func TestRefresh_SupersededByReloadNotCommitted(t *testing.T) {
	ex := &fakeExchanger{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	tokenPath := filepath.Join(t.TempDir(), "token.json")
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, tokenPath)

	done := make(chan error, 1)
	go func() {
		_, err := m.Credential(context.Background())
		done <- err
	}()

	<-ex.entered
	require.True(t, m.Reload(&oauth2.Token{RefreshToken: "fresh-login"}, nil))
	close(ex.release)
	require.NoError(t, <-done)

	_, err := os.Stat(tokenPath)
	assert.ErrorIs(t, err, os.ErrNotExist, "the login's token file is not overwritten")

	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-login-rotated", tok.RefreshToken)
}

func TestRefresh_FailureReachesEveryWaiter(t *testing.T) {
	ex := &fakeExchanger{
		results: []error{ErrRefreshTokenInvalid},
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	const callers = 5

	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		errs    [callers]error
	)

	started.Add(callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			_, errs[i] = m.Credential(context.Background())
		}()
	}

	started.Wait()
	<-ex.entered
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	for i := range callers {
		assert.ErrorIs(t, errs[i], ErrRefreshTokenInvalid)
	}
}

func TestRefresh_InvalidTokenNotRetried(t *testing.T) {
	ex := &fakeExchanger{results: []error{ErrRefreshTokenInvalid, nil}}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	_, err := m.ForceRefresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestRefresh_TransientRetriedThenSucceeds(t *testing.T) {
	ex := &fakeExchanger{results: []error{ErrRefreshTransient, ErrRefreshTransient}}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	tok, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-3", tok.AccessToken)
	assert.Equal(t, int32(3), ex.calls.Load())
}

func TestRefresh_TransientRetriesBounded(t *testing.T) {
	transient := fmt.Errorf("%w: HTTP 503", ErrRefreshTransient)
	ex := &fakeExchanger{results: []error{transient, transient, transient, transient, transient}}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	_, err := m.ForceRefresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshTransient)
	// MaxRetries=3 means four attempts.
	assert.Equal(t, int32(4), ex.calls.Load())
}

func TestRefresh_KeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	m := newTestManager(t, exchangerFunc(func(context.Context, string) (*Grant, error) {
		return &Grant{Token: &oauth2.Token{AccessToken: "a", Expiry: testNow.Add(time.Hour)}}, nil
	}), &oauth2.Token{RefreshToken: "keep-me"}, "")

	tok, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "keep-me", tok.RefreshToken)
}

func TestRefresh_PersistsOnlyAfterSuccess(t *testing.T) {
	path := tokenfile.Path(t.TempDir())

	ex := &fakeExchanger{results: []error{ErrRefreshTokenInvalid}}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, path)

	_, err := m.ForceRefresh(context.Background())
	require.Error(t, err)

	tok, _, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Nil(t, tok, "a failed refresh must not write the token file")

	_, err = m.ForceRefresh(context.Background())
	require.NoError(t, err)

	tok, meta, err := tokenfile.Load(path)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "r-rotated", tok.RefreshToken)
	assert.Equal(t, "drive-1", meta[tokenfile.MetaDriveID])
}

func TestRefresh_WaiterCancellation(t *testing.T) {
	ex := &fakeExchanger{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := newTestManager(t, ex, &oauth2.Token{RefreshToken: "r"}, "")

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Credential(ctx)
		done <- err
	}()

	<-ex.entered
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))

	// The shared refresh keeps running and later callers get its result.
	close(ex.release)

	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestReload(t *testing.T) {
	ex := &fakeExchanger{}
	m := newTestManager(t, ex, &oauth2.Token{
		AccessToken:  "a",
		RefreshToken: "r",
		Expiry:       testNow.Add(time.Hour),
	}, "")

	assert.False(t, m.Reload(&oauth2.Token{RefreshToken: "r"}, nil), "same token is ignored")
	assert.False(t, m.Reload(nil, nil))

	assert.True(t, m.Reload(&oauth2.Token{RefreshToken: "fresh-login"}, map[string]string{
		tokenfile.MetaDriveID: "drive-2",
	}))
	assert.Equal(t, "drive-2", m.DriveID())

	// The reloaded grant has no access token, so the next call exchanges it.
	tok, err := m.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-login-rotated", tok.RefreshToken)
}

type exchangerFunc func(ctx context.Context, refreshToken string) (*Grant, error)

func (f exchangerFunc) Exchange(ctx context.Context, refreshToken string) (*Grant, error) {
	return f(ctx, refreshToken)
}
