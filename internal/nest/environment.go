package nest

import (
	"fmt"
	"strings"
)

// Fixed vendor endpoints shared by every environment.
const (
	// TokenURL is the upstream OAuth token endpoint.
	TokenURL = "https://oauth2.googleapis.com/token"
	// AuthProxyURL issues the short-lived vendor JWT.
	AuthProxyURL = "https://nestauthproxyservice-pa.googleapis.com/v1/issue_jwt"
	// IssueTokenReferer is sent with the cookie-based token exchange.
	IssueTokenReferer = "https://accounts.google.com/o/oauth2/iframe"

	// UserAgent is attached to every vendor call.
	UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/77.0.3865.120 Safari/537.36"

	// ProductionClientID is the OAuth client id of the vendor's iOS app.
	ProductionClientID = "733249279899-1gpkq9duqmdp55a7e5lft1pr2smumdla.apps.googleusercontent.com"
	// ProductionHost is the session and app-launch host.
	ProductionHost = "https://home.nest.com"
)

// Environment keys, as stored in config entries under account_type.
const (
	EnvironmentProduction = "production"
	EnvironmentFieldTest  = "fieldtest"
)

// Environment describes one vendor deployment.
type Environment struct {
	Key      string
	Name     string
	ClientID string
	Host     string
}

// Production is the public vendor deployment.
var Production = Environment{
	Key:      EnvironmentProduction,
	Name:     "Google Account",
	ClientID: ProductionClientID,
	Host:     ProductionHost,
}

// LookupEnvironment resolves an environment key. Non-empty host and clientID
// override the built-in values; the field test deployment has no built-in
// values and requires both.
func LookupEnvironment(key, host, clientID string) (Environment, error) {
	var env Environment
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "", EnvironmentProduction:
		env = Production
	case EnvironmentFieldTest:
		env = Environment{Key: EnvironmentFieldTest, Name: "Google Account (Field Test)"}
	default:
		return Environment{}, fmt.Errorf("unknown environment %q", key)
	}

	if host != "" {
		env.Host = host
	}
	if clientID != "" {
		env.ClientID = clientID
	}
	env.Host = strings.TrimSuffix(env.Host, "/")

	if env.Host == "" || env.ClientID == "" {
		return Environment{}, fmt.Errorf("environment %q requires a host and a client id", env.Key)
	}
	return env, nil
}

// Endpoints holds the fixed-host URLs; tests point them at a fake server.
type Endpoints struct {
	TokenURL     string
	AuthProxyURL string
}

// DefaultEndpoints returns the real vendor endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		TokenURL:     TokenURL,
		AuthProxyURL: AuthProxyURL,
	}
}
