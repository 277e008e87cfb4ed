// Package nesttest provides an in-process fake of the vendor cloud for tests.
package nesttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zorak1103/nest-protect/internal/nest"
)

// Default account values served by the fake.
const (
	RefreshToken = "test-refresh-token"
	IssueToken   = "/issue_token"
	Cookies      = "SID=test; HSID=test"
	AccessToken  = "test-oauth-token"
	UserID       = "1234567"
	Email        = "jane@example.com"
	ClientID     = "test-client-id"
)

// Reply is one canned subscribe or put response. A zero Status means 200
// with the JSON objects.
type Reply struct {
	Status      int
	ContentType string
	Body        string
	Objects     []nest.Bucket
}

// PutRequest is a recorded /v6/put body.
type PutRequest struct {
	Session string         `json:"session"`
	Objects []nest.MergeOp `json:"objects"`
}

// Server is a fake vendor cloud. Token, auth proxy, session and transport
// endpoints all live on one httptest server.
type Server struct {
	*httptest.Server

	subscribe chan Reply

	mu            sync.Mutex
	buckets       map[string]nest.Bucket
	tokenError    string
	sessionStatus int
	sessionExpiry time.Time
	putReplies    []Reply
	puts          []PutRequest
	refs          [][]nest.ObjectRef
	calls         map[string]int
	headers       map[string]http.Header
}

// NewServer starts a fake and closes it when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		subscribe:     make(chan Reply, 64),
		buckets:       make(map[string]nest.Bucket),
		sessionExpiry: time.Now().Add(time.Hour),
		calls:         make(map[string]int),
		headers:       make(map[string]http.Header),
	}
	s.AddBucket(nest.NewBucket("user."+UserID, 1, 1000, map[string]any{"email": Email, "name": "Jane"}))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET "+IssueToken, s.handleIssueToken)
	mux.HandleFunc("POST /issue_jwt", s.handleIssueJWT)
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("POST /api/0.1/user/{uid}/app_launch", s.handleAppLaunch)
	mux.HandleFunc("POST /v6/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /v6/put", s.handlePut)

	s.Server = httptest.NewServer(mux)
	tb.Cleanup(func() {
		close(s.subscribe)
		s.Close()
	})
	return s
}

// Environment points a client at the fake.
func (s *Server) Environment() nest.Environment {
	return nest.Environment{Key: nest.EnvironmentProduction, Name: "Test", ClientID: ClientID, Host: s.URL}
}

// Endpoints points the fixed-host URLs at the fake.
func (s *Server) Endpoints() nest.Endpoints {
	return nest.Endpoints{TokenURL: s.URL + "/token", AuthProxyURL: s.URL + "/issue_jwt"}
}

// ClientConfig returns a client configuration for the fake.
func (s *Server) ClientConfig() nest.ClientConfig {
	cfg := nest.DefaultClientConfig()
	cfg.Environment = s.Environment()
	cfg.Endpoints = s.Endpoints()
	cfg.RequestTimeout = 5 * time.Second
	cfg.SubscribeTimeout = 30 * time.Second
	return cfg
}

// Credentials returns the refresh-token credentials the fake accepts.
func (s *Server) Credentials() nest.Credentials {
	return nest.Credentials{RefreshToken: RefreshToken}
}

// CookieCredentials returns the issue-token credentials the fake accepts.
func (s *Server) CookieCredentials() nest.Credentials {
	return nest.Credentials{IssueToken: s.URL + IssueToken, Cookies: Cookies}
}

// AddBucket stores b in the account snapshot.
func (s *Server) AddBucket(b nest.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[b.ObjectKey] = b.Clone()
}

// Bucket returns the stored bucket for key.
func (s *Server) Bucket(key string) (nest.Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	return b.Clone(), ok
}

// SetTokenError makes both token exchanges fail with code.
func (s *Server) SetTokenError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenError = code
}

// SetSessionStatus makes /session answer with status and an error body.
// Zero restores the default.
func (s *Server) SetSessionStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStatus = status
}

// SetSessionExpiry sets the expiry of newly issued sessions.
func (s *Server) SetSessionExpiry(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionExpiry = t
}

// QueueSubscribe queues the next subscribe response. Subscribe blocks until
// one is queued, like the real long poll.
func (s *Server) QueueSubscribe(r Reply) {
	s.subscribe <- r
}

// QueuePut queues the next put response; without one, put merges and acks.
func (s *Server) QueuePut(r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putReplies = append(s.putReplies, r)
}

// Calls returns how often the named endpoint was hit: token, issue_token,
// issue_jwt, session, app_launch, subscribe, put.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Header returns the headers of the last request to the named endpoint.
func (s *Server) Header(name string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[name].Clone()
}

// Puts returns the recorded put bodies.
func (s *Server) Puts() []PutRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PutRequest(nil), s.puts...)
}

// SubscribeRefs returns the baseline of every subscribe call.
func (s *Server) SubscribeRefs() [][]nest.ObjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]nest.ObjectRef(nil), s.refs...)
}

func (s *Server) record(name string, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	s.headers[name] = r.Header.Clone()
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.record("token", r)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	tokenError := s.tokenError
	s.mu.Unlock()

	switch {
	case tokenError != "":
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": tokenError, "error_description": "Token has been expired or revoked."})
	case r.PostForm.Get("refresh_token") != RefreshToken || r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("grant_type") != "refresh_token":
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Bad Request"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": AccessToken,
			"expires_in":   3599,
			"scope":        "https://www.googleapis.com/auth/nest-account",
			"token_type":   "Bearer",
			"id_token":     "id-token",
		})
	}
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	s.record("issue_token", r)

	s.mu.Lock()
	tokenError := s.tokenError
	s.mu.Unlock()

	switch {
	case tokenError != "":
		writeJSON(w, http.StatusOK, map[string]any{"error": tokenError, "detail": "No active session found."})
	case r.Header.Get("Cookie") != Cookies:
		writeJSON(w, http.StatusOK, map[string]any{"error": "USER_LOGGED_OUT"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": AccessToken,
			"expires_in":   "3599",
			"token_type":   "Bearer",
			"login_hint":   "hint",
		})
	}
}

func (s *Server) handleIssueJWT(w http.ResponseWriter, r *http.Request) {
	s.record("issue_jwt", r)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("google_oauth_access_token") != AccessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "status": "UNAUTHENTICATED"}})
		return
	}

	s.mu.Lock()
	expiry := s.sessionExpiry
	s.mu.Unlock()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": UserID,
		"exp": expiry.Unix(),
	}).SignedString([]byte("nesttest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jwt":    token,
		"claims": map[string]any{"expirationTime": expiry.UTC().Format(time.RFC3339), "policyId": "authproxy-oauth-policy"},
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.record("session", r)

	s.mu.Lock()
	status := s.sessionStatus
	expiry := s.sessionExpiry
	s.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]any{"error": "unauthorized"})
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing jwt"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":      "session-token",
		"email":             Email,
		"expires_in":        expiry.UTC().Format(nest.SessionExpiryLayout),
		"userid":            UserID,
		"user":              "user." + UserID,
		"language":          "en_US",
		"is_superuser":      false,
		"is_staff":          false,
		"2fa_enabled":       true,
		"2fa_state":         "enabled",
		"2fa_state_changed": "2022-01-01T00:00:00Z",
		"urls":              map[string]any{"transport_url": s.URL},
		"weave":             map[string]any{"access_token": "weave"},
		"limits":            map[string]any{"thermostats": 20},
	})
}

func (s *Server) handleAppLaunch(w http.ResponseWriter, r *http.Request) {
	s.record("app_launch", r)
	if r.PathValue("uid") != UserID || r.Header.Get("Authorization") != "Basic session-token" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"updated_buckets": s.sortedBuckets(),
		"service_urls": map[string]any{
			"urls":   map[string]any{"transport_url": s.URL, "rubyapi_url": s.URL},
			"limits": map[string]any{"smoke_detectors": 18},
		},
		"2fa_enabled": true,
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.record("subscribe", r)

	var body struct {
		Objects []nest.ObjectRef `json:"objects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.refs = append(s.refs, body.Objects)
	s.mu.Unlock()

	select {
	case <-r.Context().Done():
		return
	case reply, ok := <-s.subscribe:
		if !ok {
			return
		}
		for _, b := range reply.Objects {
			s.AddBucket(b)
		}
		writeReply(w, reply)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.record("put", r)

	var body PutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.puts = append(s.puts, body)
	var queued *Reply
	if len(s.putReplies) > 0 {
		queued = &s.putReplies[0]
		s.putReplies = s.putReplies[1:]
	}
	s.mu.Unlock()

	if queued != nil {
		writeReply(w, *queued)
		return
	}

	updated := make([]nest.Bucket, 0, len(body.Objects))
	s.mu.Lock()
	for _, op := range body.Objects {
		b := s.buckets[op.ObjectKey].Clone()
		if b.ObjectKey == "" {
			b = nest.NewBucket(op.ObjectKey, 0, 0, map[string]any{})
		}
		for k, v := range op.Value {
			b.Value[k] = v
		}
		b.ObjectRevision++
		b.ObjectTimestamp = time.Now().UnixMilli()
		s.buckets[op.ObjectKey] = b
		updated = append(updated, b)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"objects": updated})
}

func (s *Server) sortedBuckets() []nest.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nest.Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out
}

func writeReply(w http.ResponseWriter, reply Reply) {
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	if reply.Body != "" || reply.ContentType != "" {
		contentType := reply.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply.Body)
		return
	}
	objects := reply.Objects
	if objects == nil {
		objects = []nest.Bucket{}
	}
	writeJSON(w, status, map[string]any{"objects": objects})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DeviceBucket builds a topaz bucket with the fields entity tests use.
func DeviceBucket(serial string, revision int64, overrides map[string]any) nest.Bucket {
	value := map[string]any{
		"serial_number":          serial,
		"model":                  "Topaz-2.7",
		"description":            "",
		"where_id":               "00000000-0000-0000-0000-000100000001",
		"structure_id":           "structure-1",
		"software_version":       "3.1.4rc2",
		"wired_or_battery":       float64(1),
		"battery_level":          float64(5400),
		"battery_health_state":   float64(0),
		"is_online":              true,
		"co_status":              float64(0),
		"smoke_status":           float64(0),
		"heat_status":            float64(0),
		"night_light_enable":     false,
		"night_light_brightness": float64(2),
		"ntp_green_led_enable":   true,
		"heads_up_enable":        true,
		"steam_detection_enable": true,
	}
	for k, v := range overrides {
		value[k] = v
	}
	return nest.NewBucket("topaz."+serial, revision, revision*1000, value)
}

// WhereBucket builds a where bucket from id/name pairs.
func WhereBucket(structureID string, revision int64, pairs ...string) nest.Bucket {
	wheres := make([]any, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		wheres = append(wheres, map[string]any{"where_id": pairs[i], "name": pairs[i+1]})
	}
	return nest.NewBucket("where."+structureID, revision, revision*1000, map[string]any{"wheres": wheres})
}
