// Package nest is a client for the vendor's private smoke-alarm cloud API:
// OAuth token exchange, session authentication, app launch, the long-poll
// subscribe endpoint and object writes.
package nest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zorak1103/nest-protect/internal/logging"
)

const (
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 16 << 20

	protocolVersion = "1"
	authPolicyID    = "authproxy-oauth-policy"
	authExpireAfter = "3600s"
	sessionCookie   = "G_ENABLED_IDPS=google; eu_cookie_accepted=1; viewer-volume=0.5; cztoken="
)

// Operation names used in errors and logs.
const (
	OpExchangeRefreshToken = "exchange_refresh_token"
	OpExchangeCookies      = "exchange_cookies"
	OpAuthenticate         = "authenticate"
	OpAppLaunch            = "app_launch"
	OpSubscribe            = "subscribe"
	OpWriteObjects         = "write_objects"
)

// ClientConfig configures the API client.
type ClientConfig struct {
	Environment Environment
	Endpoints   Endpoints
	// RequestTimeout bounds every call except subscribe (default: 30 seconds).
	RequestTimeout time.Duration
	// SubscribeTimeout bounds the long poll (default: 24 hours).
	SubscribeTimeout time.Duration
	// HTTPClient defaults to a client without its own timeout.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// DefaultClientConfig returns the production configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Environment:      Production,
		Endpoints:        DefaultEndpoints(),
		RequestTimeout:   30 * time.Second,
		SubscribeTimeout: 24 * time.Hour,
	}
}

// Client issues vendor API calls. It keeps no per-account state, never
// retries, and is safe for concurrent use.
type Client struct {
	env              Environment
	endpoints        Endpoints
	httpClient       *http.Client
	requestTimeout   time.Duration
	subscribeTimeout time.Duration
	logger           *logging.Logger
	now              func() time.Time
}

// NewClient creates a new API client.
func NewClient(cfg ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if cfg.Environment.Host == "" {
		cfg.Environment = defaults.Environment
	}
	if cfg.Endpoints.TokenURL == "" {
		cfg.Endpoints.TokenURL = defaults.Endpoints.TokenURL
	}
	if cfg.Endpoints.AuthProxyURL == "" {
		cfg.Endpoints.AuthProxyURL = defaults.Endpoints.AuthProxyURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaults.SubscribeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Client{
		env:              cfg.Environment,
		endpoints:        cfg.Endpoints,
		httpClient:       cfg.HTTPClient,
		requestTimeout:   cfg.RequestTimeout,
		subscribeTimeout: cfg.SubscribeTimeout,
		logger:           cfg.Logger,
		now:              time.Now,
	}
}

// Environment returns the environment the client talks to.
func (c *Client) Environment() Environment {
	return c.env
}

// response is a fully read HTTP response.
type response struct {
	status      int
	contentType string
	body        []byte
}

func (r *response) isJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// bodyText returns the body for error messages.
func (r *response) bodyText() string {
	if len(r.body) == 0 {
		return "no response body"
	}
	const maxLen = 512
	if len(r.body) > maxLen {
		return string(r.body[:maxLen]) + "..."
	}
	return string(r.body)
}

// do executes req and reads the whole body.
func (c *Client) do(req *http.Request, op string) (*response, error) {
	req.Header.Set("User-Agent", UserAgent)

	c.logger.Trace("Vendor request", "op", op, "method", req.Method, "url", req.URL.Redacted())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer func() {
		// Drain and close the response body to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(op, err)
	}

	c.logger.Trace("Vendor response", "op", op, "status", resp.StatusCode, "body", string(body))

	return &response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

// ExchangeRefreshToken trades a refresh token for an OAuth access token.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*OAuthToken, error) {
	if refreshToken == "" {
		return nil, ErrNoCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {c.env.ClientID},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req, OpExchangeRefreshToken)
	if err != nil {
		return nil, err
	}
	return c.parseToken(OpExchangeRefreshToken, resp)
}

// ExchangeCookies trades an issue-token URL plus browser cookies for an
// OAuth access token.
func (c *Client) ExchangeCookies(ctx context.Context, issueToken, cookies string) (*OAuthToken, error) {
	if issueToken == "" || cookies == "" {
		return nil, ErrNoCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issueToken, nil)
	if err != nil {
		return nil, fmt.Errorf("creating issue token request: %w", err)
	}
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("X-Requested-With", "XmlHttpRequest")
	req.Header.Set("Referer", IssueTokenReferer)
	req.Header.Set("Cookie", cookies)

	resp, err := c.do(req, OpExchangeCookies)
	if err != nil {
		return nil, err
	}
	return c.parseToken(OpExchangeCookies, resp)
}

// parseToken classifies the token endpoint response. The vendor's "invalid
// grant" and "logged out" sentinels are bad credentials; any other error
// field is a generic failure.
func (c *Client) parseToken(op string, resp *response) (*OAuthToken, error) {
	var raw map[string]any
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: op, StatusCode: resp.status, Message: "invalid JSON response: " + resp.bodyText(), Err: err}
	}

	if code := errorCode(raw["error"]); code != "" {
		kind := KindUnknown
		if code == errorInvalidGrant || code == errorUserLoggedOut {
			kind = KindBadCredentials
		}
		return nil, &APIError{
			Kind:       kind,
			Op:         op,
			StatusCode: resp.status,
			Code:       code,
			Message:    firstString(raw, "error_description", "detail"),
		}
	}
	if !resp.ok() {
		return nil, &APIError{Kind: KindUnknown, Op: op, StatusCode: resp.status, Message: resp.bodyText()}
	}

	token := &OAuthToken{}
	if err := decodeValue(raw, token); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: op, StatusCode: resp.status, Message: "unexpected token shape", Err: err}
	}
	if token.AccessToken == "" {
		return nil, &APIError{Kind: KindUnknown, Op: op, StatusCode: resp.status, Message: "response has no access_token"}
	}
	token.IssuedAt = c.now()
	return token, nil
}

// Authenticate exchanges an OAuth access token for a vendor session: first a
// JWT from the auth proxy, then the /session call with that JWT.
func (c *Client) Authenticate(ctx context.Context, oauthAccessToken string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	proxy, err := c.issueJWT(ctx, oauthAccessToken)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.env.Host+"/session", nil)
	if err != nil {
		return nil, fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+proxy.JWT)
	req.Header.Set("Cookie", sessionCookie+proxy.JWT)

	resp, err := c.do(req, OpAuthenticate)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: OpAuthenticate, StatusCode: resp.status, Message: "auth proxy: non-JSON session response: " + resp.bodyText(), Err: err}
	}
	renameDigitKeys(raw)

	if code := errorCode(raw["error"]); code != "" {
		return nil, &APIError{Kind: kindForStatus(resp.status), Op: OpAuthenticate, StatusCode: resp.status, Code: code, Message: "auth proxy: session rejected"}
	}

	session := &Session{}
	if err := decodeValue(raw, session); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: OpAuthenticate, StatusCode: resp.status, Message: "auth proxy: unexpected session shape", Err: err}
	}
	if session.AccessToken == "" || session.UserID == "" {
		return nil, &APIError{Kind: KindUnknown, Op: OpAuthenticate, StatusCode: resp.status, Message: "auth proxy: session has no access_token or userid"}
	}
	session.JWTExpiresAt = jwtExpiry(proxy.JWT)

	c.logger.Debug("Vendor session established", "userid", session.UserID, "expires", session.ExpiresIn)
	return session, nil
}

// issueJWT performs the auth-proxy half of Authenticate.
func (c *Client) issueJWT(ctx context.Context, oauthAccessToken string) (*AuthProxyResponse, error) {
	form := url.Values{
		"embed_google_oauth_access_token": {"true"},
		"expire_after":                    {authExpireAfter},
		"google_oauth_access_token":       {oauthAccessToken},
		"policy_id":                       {authPolicyID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.AuthProxyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating auth proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+oauthAccessToken)
	req.Header.Set("Referer", c.env.Host)

	resp, err := c.do(req, OpAuthenticate)
	if err != nil {
		return nil, err
	}

	var proxy AuthProxyResponse
	if err := json.Unmarshal(resp.body, &proxy); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: OpAuthenticate, StatusCode: resp.status, Message: "auth proxy: non-JSON response: " + resp.bodyText(), Err: err}
	}
	if code := errorCode(proxy.Error); code != "" {
		return nil, &APIError{Kind: kindForStatus(resp.status), Op: OpAuthenticate, StatusCode: resp.status, Code: code, Message: "auth proxy rejected the access token"}
	}
	if proxy.JWT == "" {
		return nil, &APIError{Kind: KindUnknown, Op: OpAuthenticate, StatusCode: resp.status, Message: "auth proxy: response has no jwt"}
	}
	return &proxy, nil
}

// GetInitialSnapshot calls app launch and returns every bucket of the
// account plus the transport URL for subscribe and put.
func (c *Client) GetInitialSnapshot(ctx context.Context, accessToken, userID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	payload, err := json.Marshal(appLaunchRequest{
		KnownBucketTypes:    KnownBucketTypes(),
		KnownBucketVersions: []string{},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding app launch request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/0.1/user/%s/app_launch", c.env.Host, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating app launch request: %w", err)
	}
	setTransportHeaders(req, accessToken, userID)

	resp, err := c.do(req, OpAppLaunch)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized {
		return nil, &APIError{Kind: KindNotAuthenticated, Op: OpAppLaunch, StatusCode: resp.status, Message: resp.bodyText()}
	}

	var snapshot Snapshot
	if err := json.Unmarshal(resp.body, &snapshot); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: OpAppLaunch, StatusCode: resp.status, Message: "invalid JSON response: " + resp.bodyText(), Err: err}
	}
	if code := errorCode(snapshot.Error); code != "" {
		return nil, &APIError{Kind: KindUnknown, Op: OpAppLaunch, StatusCode: resp.status, Code: code, Message: "app launch rejected"}
	}
	if !resp.ok() {
		return nil, &APIError{Kind: KindUnknown, Op: OpAppLaunch, StatusCode: resp.status, Message: resp.bodyText()}
	}
	if snapshot.TransportURL() == "" {
		return nil, &APIError{Kind: KindUnknown, Op: OpAppLaunch, StatusCode: resp.status, Message: "response has no transport_url"}
	}

	c.logger.Debug("App launch completed", "buckets", len(snapshot.Buckets), "transport_url", snapshot.TransportURL())
	return &snapshot, nil
}

// Subscribe long-polls the transport host with the revision baseline of known
// and returns the objects that changed. It blocks until the vendor has news or
// the subscribe timeout elapses.
func (c *Client) Subscribe(ctx context.Context, accessToken, userID, transportURL string, known []Bucket) ([]Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, c.subscribeTimeout)
	defer cancel()

	refs := make([]ObjectRef, len(known))
	for i, b := range known {
		refs[i] = b.Ref()
	}
	payload, err := json.Marshal(subscribeRequest{Objects: refs})
	if err != nil {
		return nil, fmt.Errorf("encoding subscribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(transportURL, "/")+"/v6/subscribe", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating subscribe request: %w", err)
	}
	setTransportHeaders(req, accessToken, userID)

	resp, err := c.do(req, OpSubscribe)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Data received via subscriber", "status", resp.status)

	switch {
	case resp.status == http.StatusUnauthorized:
		return nil, &APIError{Kind: KindNotAuthenticated, Op: OpSubscribe, StatusCode: resp.status, Message: resp.bodyText()}
	case resp.status == http.StatusGatewayTimeout:
		return nil, &APIError{Kind: KindServiceUnavailable, Op: OpSubscribe, StatusCode: resp.status, Code: ReasonGatewayTimeout, Message: resp.bodyText()}
	case resp.status == http.StatusBadGateway:
		return nil, &APIError{Kind: KindServiceUnavailable, Op: OpSubscribe, StatusCode: resp.status, Code: ReasonBadGateway, Message: resp.bodyText()}
	case resp.status == http.StatusOK && !resp.isJSON():
		return nil, &APIError{Kind: KindServiceUnavailable, Op: OpSubscribe, StatusCode: resp.status, Code: ReasonEmptyResponse, Message: resp.bodyText()}
	case !resp.ok():
		return nil, &APIError{Kind: KindUnknown, Op: OpSubscribe, StatusCode: resp.status, Message: resp.bodyText()}
	}

	var result subscribeResponse
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: OpSubscribe, StatusCode: resp.status, Message: "invalid JSON response: " + resp.bodyText(), Err: err}
	}
	return result.Objects, nil
}

// WriteObjects sends a batch of MERGE operations to the transport host.
func (c *Client) WriteObjects(ctx context.Context, accessToken, userID, transportURL string, ops []MergeOp) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	payload, err := json.Marshal(putRequest{
		Session: writeSessionID(userID, c.now()),
		Objects: ops,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding put request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(transportURL, "/")+"/v6/put", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating put request: %w", err)
	}
	setTransportHeaders(req, accessToken, userID)

	resp, err := c.do(req, OpWriteObjects)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized {
		return nil, &APIError{Kind: KindNotAuthenticated, Op: OpWriteObjects, StatusCode: resp.status, Message: resp.bodyText()}
	}

	var ack map[string]any
	if err := json.Unmarshal(resp.body, &ack); err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: OpWriteObjects, StatusCode: resp.status, Message: "invalid JSON response: " + resp.bodyText(), Err: err}
	}
	if !resp.ok() {
		return nil, &APIError{Kind: KindUnknown, Op: OpWriteObjects, StatusCode: resp.status, Message: resp.bodyText()}
	}
	return ack, nil
}

// writeSessionID mimics the vendor app's put session id,
// "ios-$<user>.<random 100-999>.<unix seconds>".
func writeSessionID(userID string, now time.Time) string {
	return fmt.Sprintf("ios-$%s.%d.%d", userID, 100+rand.IntN(900), now.Unix())
}

func setTransportHeaders(req *http.Request, accessToken, userID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+accessToken)
	req.Header.Set("X-nl-user-id", userID)
	req.Header.Set("X-nl-protocol-version", protocolVersion)
}

func kindForStatus(status int) ErrorKind {
	if status == http.StatusUnauthorized {
		return KindNotAuthenticated
	}
	return KindUnknown
}

// errorCode extracts a vendor error field, which is either a string or an
// object with a status or message.
func errorCode(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		if s := firstString(e, "status", "message", "code"); s != "" {
			return s
		}
		if len(e) == 0 {
			return ""
		}
		return fmt.Sprint(e)
	case bool:
		if !e {
			return ""
		}
		return "error"
	default:
		return fmt.Sprint(e)
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// renameDigitKeys prefixes top-level keys that start with a digit with "_".
func renameDigitKeys(m map[string]any) {
	for k, v := range m {
		if k != "" && k[0] >= '0' && k[0] <= '9' {
			delete(m, k)
			m["_"+k] = v
		}
	}
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only ever forwarded to the vendor. Zero means unknown.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
