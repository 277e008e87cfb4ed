package nest

import (
	"time"
)

// SessionExpiryLayout is the wire format of Session.ExpiresIn,
// e.g. "Tue, 01-Mar-2022 23:15:55 GMT".
const SessionExpiryLayout = "Mon, 02-Jan-2006 15:04:05 MST"

// OAuthToken is the upstream access token. Both credential chains produce it;
// LoginHint and SessionState are only set by the cookie chain.
type OAuthToken struct {
	AccessToken  string         `mapstructure:"access_token" json:"access_token"`
	ExpiresIn    int64          `mapstructure:"expires_in" json:"expires_in"`
	Scope        string         `mapstructure:"scope" json:"scope"`
	TokenType    string         `mapstructure:"token_type" json:"token_type"`
	IDToken      string         `mapstructure:"id_token" json:"id_token"`
	LoginHint    string         `mapstructure:"login_hint" json:"login_hint,omitempty"`
	SessionState map[string]any `mapstructure:"session_state" json:"session_state,omitempty"`

	// IssuedAt is stamped by the client when the token is received.
	IssuedAt time.Time `mapstructure:"-" json:"issued_at"`
}

// ExpiresAt returns IssuedAt + ExpiresIn.
func (t *OAuthToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether the token has expired.
func (t *OAuthToken) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the token has expired at now.
func (t *OAuthToken) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// AuthClaims are the claims the auth proxy returns next to the JWT.
type AuthClaims struct {
	Subject             any    `json:"subject,omitempty"`
	ExpirationTime      string `json:"expirationTime,omitempty"`
	PolicyID            string `json:"policyId,omitempty"`
	StructureConstraint string `json:"structureConstraint,omitempty"`
}

// AuthProxyResponse is the issue_jwt response.
type AuthProxyResponse struct {
	JWT    string     `json:"jwt"`
	Claims AuthClaims `json:"claims"`
	Error  any        `json:"error,omitempty"`
}

// Session is the vendor session returned by /session. Keys beginning with a
// digit on the wire ("2fa_enabled") are read with a leading underscore.
type Session struct {
	AccessToken string         `mapstructure:"access_token" json:"access_token"`
	Email       string         `mapstructure:"email" json:"email"`
	ExpiresIn   string         `mapstructure:"expires_in" json:"expires_in"`
	UserID      string         `mapstructure:"userid" json:"userid"`
	User        string         `mapstructure:"user" json:"user"`
	Language    string         `mapstructure:"language" json:"language"`
	IsSuperuser bool           `mapstructure:"is_superuser" json:"is_superuser"`
	IsStaff     bool           `mapstructure:"is_staff" json:"is_staff"`
	Weave       map[string]any `mapstructure:"weave" json:"weave,omitempty"`
	URLs        map[string]any `mapstructure:"urls" json:"urls,omitempty"`
	Limits      map[string]any `mapstructure:"limits" json:"limits,omitempty"`

	TwoFactorState        string `mapstructure:"_2fa_state" json:"_2fa_state,omitempty"`
	TwoFactorEnabled      bool   `mapstructure:"_2fa_enabled" json:"_2fa_enabled,omitempty"`
	TwoFactorStateChanged string `mapstructure:"_2fa_state_changed" json:"_2fa_state_changed,omitempty"`

	// JWTExpiresAt is read from the auth-proxy JWT when it carries an exp claim.
	JWTExpiresAt time.Time `mapstructure:"-" json:"jwt_expires_at,omitempty"`
}

// ExpiresAt parses ExpiresIn.
func (s *Session) ExpiresAt() (time.Time, error) {
	return time.Parse(SessionExpiryLayout, s.ExpiresIn)
}

// IsExpired reports whether the session has expired.
func (s *Session) IsExpired() bool {
	return s.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the session has expired at now. An unparsable
// expiry counts as expired, and a known JWT expiry wins when it is earlier.
func (s *Session) IsExpiredAt(now time.Time) bool {
	expiry, err := s.ExpiresAt()
	if err != nil {
		return true
	}
	if !s.JWTExpiresAt.IsZero() && s.JWTExpiresAt.Before(expiry) {
		expiry = s.JWTExpiresAt
	}
	return !now.Before(expiry)
}

// ServiceURLs is the service_urls block of app launch.
type ServiceURLs struct {
	URLs   map[string]any `json:"urls"`
	Limits map[string]any `json:"limits,omitempty"`
	Weave  map[string]any `json:"weave,omitempty"`
}

// Snapshot is the app-launch response: every bucket plus service URLs.
type Snapshot struct {
	Buckets              []Bucket       `json:"updated_buckets"`
	ServiceURLs          ServiceURLs    `json:"service_urls"`
	WeatherForStructures map[string]any `json:"weather_for_structures,omitempty"`
	TwoFactorEnabled     bool           `json:"2fa_enabled,omitempty"`
	Error                any            `json:"error,omitempty"`
}

// TransportURL returns the long-poll host.
func (s *Snapshot) TransportURL() string {
	u, _ := s.ServiceURLs.URLs["transport_url"].(string)
	return u
}

// subscribeResponse is the /v6/subscribe body.
type subscribeResponse struct {
	Objects []Bucket `json:"objects"`
}

// subscribeRequest is the /v6/subscribe request body.
type subscribeRequest struct {
	Objects []ObjectRef `json:"objects"`
}

// putRequest is the /v6/put request body.
type putRequest struct {
	Session string    `json:"session"`
	Objects []MergeOp `json:"objects"`
}

// appLaunchRequest is the app_launch request body.
type appLaunchRequest struct {
	KnownBucketTypes    []string `json:"known_bucket_types"`
	KnownBucketVersions []string `json:"known_bucket_versions"`
}
