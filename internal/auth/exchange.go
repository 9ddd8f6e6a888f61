// Package auth keeps a short-lived access token valid for the drive client.
// Manager owns the current credential and refreshes it through an Exchanger,
// collapsing concurrent refreshes into one in-flight call. The rotated refresh
// token is persisted via tokenfile after every successful exchange.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Variant identifies the account flavor. It selects the token endpoint and
// whether the trash endpoint exists.
type Variant string

// Known account variants.
const (
	VariantWeb    Variant = "web"
	VariantMobile Variant = "mobile"
	VariantPDS    Variant = "pds"
)

// MobilePrefix marks a refresh token obtained from the mobile app (QR login).
const MobilePrefix = "mobile:"

// PDSAppID is sent with token exchanges against PDS domains.
const PDSAppID = "BasicUI"

const (
	webTokenURL    = "https://websv.aliyundrive.com/token/refresh"
	mobileTokenURL = "https://auth.aliyundrive.com/v2/account/token"
)

// Refresh failure classes. Callers use errors.Is.
var (
	// ErrRefreshTokenInvalid means the refresh token was rejected. No retry
	// and no automatic re-login: the session is over until a new token arrives.
	ErrRefreshTokenInvalid = errors.New("auth: refresh token invalid or revoked")
	// ErrRefreshTransient covers network errors, throttling and server errors.
	ErrRefreshTransient = errors.New("auth: transient refresh failure")
	// ErrNoRefreshToken is returned when a Manager is built without a token.
	ErrNoRefreshToken = errors.New("auth: no refresh token")
)

// TokenURL returns the token endpoint for a variant. domainID is only used
// for VariantPDS.
func TokenURL(v Variant, domainID string) string {
	switch v {
	case VariantPDS:
		return fmt.Sprintf("https://%s.auth.aliyunpds.com/v2/account/token", domainID)
	case VariantMobile:
		return mobileTokenURL
	default:
		return webTokenURL
	}
}

// SplitRefreshToken strips the mobile prefix from a configured refresh token
// and reports which variant it implies.
func SplitRefreshToken(raw string) (string, Variant) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, MobilePrefix); ok {
		return rest, VariantMobile
	}

	return raw, VariantWeb
}

// Grant is the result of a successful exchange.
type Grant struct {
	Token   *oauth2.Token
	DriveID string
	UserID  string
}

// Exchanger trades a refresh token for a new access token.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*Grant, error)
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	AppID        string `json:"app_id,omitempty"`
}

type refreshResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	TokenType      string `json:"token_type"`
	ExpiresIn      int64  `json:"expires_in"`
	DefaultDriveID string `json:"default_drive_id"`
	UserID         string `json:"user_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPExchanger calls the remote token endpoint.
type HTTPExchanger struct {
	tokenURL   string
	appID      string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPExchanger creates an exchanger for tokenURL. appID may be empty.
func NewHTTPExchanger(tokenURL, appID string, httpClient *http.Client) *HTTPExchanger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPExchanger{
		tokenURL:   tokenURL,
		appID:      appID,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Exchange performs one refresh round-trip. It never retries; Manager owns
// the retry loop.
func (e *HTTPExchanger) Exchange(ctx context.Context, refreshToken string) (*Grant, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		AppID:        e.appID,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: creating refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRefreshTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshFailure(resp.StatusCode, data)
	}

	var rr refreshResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("auth: decoding refresh response: %w", err)
	}

	if rr.AccessToken == "" {
		return nil, fmt.Errorf("auth: refresh response missing access_token")
	}

	tokenType := rr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	tok := &oauth2.Token{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		TokenType:    tokenType,
		Expiry:       e.now().Add(time.Duration(rr.ExpiresIn) * time.Second),
	}

	return &Grant{Token: tok, DriveID: rr.DefaultDriveID, UserID: rr.UserID}, nil
}

// classifyRefreshFailure maps a non-200 token response to an error class.
func classifyRefreshFailure(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: HTTP %d %s", ErrRefreshTransient, status, er.Code)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d %s: %s", ErrRefreshTokenInvalid, status, er.Code, er.Message)
	default:
		return fmt.Errorf("auth: unexpected refresh response HTTP %d %s: %s", status, er.Code, er.Message)
	}
}
