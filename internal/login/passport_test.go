package login

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPassport(t *testing.T, status, ext string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("GET "+generatePath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, appName, r.URL.Query().Get("appName"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":{"data":{"t":1700000000000,"ck":"ck-1","codeContent":"https://qr.example/abc"},"success":true},"hasError":false}`))
	})

	mux.HandleFunc("POST "+queryPath, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "1700000000000", r.PostForm.Get("t"))
		assert.Equal(t, "ck-1", r.PostForm.Get("ck"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":{"data":{"qrCodeStatus":"` + status + `","bizExt":"` + ext + `"},"success":true},"hasError":false}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestPassport_GenerateAndConfirm(t *testing.T) {
	ext := base64.StdEncoding.EncodeToString([]byte(`{"pds_login_result":{"refreshToken":"rt-from-app","userId":"u1"}}`))
	srv := newPassport(t, "CONFIRMED", ext)

	c := NewPassportClient(srv.URL, srv.Client())

	sess, err := c.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://qr.example/abc", sess.Content)

	res, err := c.Query(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.Equal(t, "rt-from-app", res.RefreshToken)
}

func TestPassport_PendingStatus(t *testing.T) {
	srv := newPassport(t, "SCANED", "")
	c := NewPassportClient(srv.URL, srv.Client())

	sess, err := c.Generate(context.Background())
	require.NoError(t, err)

	res, err := c.Query(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, StatusScanned, res.Status)
	assert.Empty(t, res.RefreshToken)
}

func TestPassport_BadBizExt(t *testing.T) {
	srv := newPassport(t, "CONFIRMED", "!!not-base64")
	c := NewPassportClient(srv.URL, srv.Client())

	_, err := c.Query(context.Background(), &Session{T: "1700000000000", CK: "ck-1"})
	assert.ErrorContains(t, err, "bizExt")
}

func TestPassport_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewPassportClient(srv.URL, srv.Client())

	_, err := c.Generate(context.Background())
	assert.ErrorContains(t, err, "HTTP 502")
}

func TestFlow_AgainstPassport(t *testing.T) {
	ext := base64.StdEncoding.EncodeToString([]byte(`{"pds_login_result":{"refreshToken":"rt-e2e"}}`))
	srv := newPassport(t, "CONFIRMED", ext)

	flow := &Flow{
		API:   NewPassportClient(srv.URL, srv.Client()),
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}

	tok, err := flow.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-e2e", tok)
}
