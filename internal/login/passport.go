package login

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultPassportURL is the production passport service.
const DefaultPassportURL = "https://passport.aliyundrive.com"

const (
	generatePath = "/newlogin/qrcode/generate.do"
	queryPath    = "/newlogin/qrcode/query.do"
	appName      = "aliyun_drive"
	fromSite     = "52"
)

// PassportClient talks to the QR login endpoints.
type PassportClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPassportClient creates a client. An empty baseURL uses DefaultPassportURL.
func NewPassportClient(baseURL string, httpClient *http.Client) *PassportClient {
	if baseURL == "" {
		baseURL = DefaultPassportURL
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &PassportClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type envelope[T any] struct {
	Content struct {
		Data    T    `json:"data"`
		Success bool `json:"success"`
	} `json:"content"`
	HasError bool `json:"hasError"`
}

type generateData struct {
	T           json.Number `json:"t"`
	CK          string      `json:"ck"`
	CodeContent string      `json:"codeContent"`
}

type queryData struct {
	QRCodeStatus string `json:"qrCodeStatus"`
	BizExt       string `json:"bizExt"`
}

type bizExt struct {
	PDSLoginResult struct {
		RefreshToken string `json:"refreshToken"`
	} `json:"pds_login_result"`
}

func commonParams() url.Values {
	return url.Values{"appName": {appName}, "fromSite": {fromSite}}
}

// Generate starts a QR session.
func (c *PassportClient) Generate(ctx context.Context) (*Session, error) {
	params := commonParams()
	params.Set("appEntrance", "web")
	params.Set("isMobile", "false")
	params.Set("lang", "zh_CN")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+generatePath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("login: creating generate request: %w", err)
	}

	var env envelope[generateData]
	if err := c.do(req, &env); err != nil {
		return nil, err
	}

	d := env.Content.Data
	if d.CodeContent == "" || d.CK == "" {
		return nil, fmt.Errorf("login: generate response missing qr content")
	}

	return &Session{T: d.T.String(), CK: d.CK, Content: d.CodeContent}, nil
}

// Query polls the state of s.
func (c *PassportClient) Query(ctx context.Context, s *Session) (*PollResult, error) {
	form := url.Values{"t": {s.T}, "ck": {s.CK}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+queryPath+"?"+commonParams().Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("login: creating query request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var env envelope[queryData]
	if err := c.do(req, &env); err != nil {
		return nil, err
	}

	res := &PollResult{Status: Status(env.Content.Data.QRCodeStatus)}

	if res.Status == StatusConfirmed {
		tok, err := decodeBizExt(env.Content.Data.BizExt)
		if err != nil {
			return nil, err
		}

		res.RefreshToken = tok
	}

	return res, nil
}

func (c *PassportClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("login: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: %s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("login: decoding response: %w", err)
	}

	return nil
}

// decodeBizExt extracts the refresh token from the base64 JSON blob that
// accompanies a confirmed scan.
func decodeBizExt(raw string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("login: decoding bizExt: %w", err)
	}

	var ext bizExt
	if err := json.Unmarshal(data, &ext); err != nil {
		return "", fmt.Errorf("login: parsing bizExt: %w", err)
	}

	return ext.PDSLoginResult.RefreshToken, nil
}
