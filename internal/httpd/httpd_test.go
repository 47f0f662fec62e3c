package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crosswithfriends/crossplay/internal/apierr"
	"github.com/crosswithfriends/crossplay/internal/auth"
	"github.com/crosswithfriends/crossplay/internal/config"
	"github.com/crosswithfriends/crossplay/internal/reducer"
)

type fakeCreator struct {
	event reducer.Event
	err   error
}

func (f *fakeCreator) CreateInitialEvent(ctx context.Context, gid string, puzzle *reducer.Puzzle, userID string, now int64) (reducer.Event, error) {
	if f.err != nil {
		return reducer.Event{}, f.err
	}
	return f.event, nil
}

func testConfig(legacyAllowed bool) *config.Config {
	mode := config.ModeDevelopment
	if !legacyAllowed {
		mode = config.ModeProduction
	}
	return &config.Config{
		ServerMode:  mode,
		RequireAuth: !legacyAllowed,
		CORSOrigins: []string{"https://example.com"},
	}
}

func TestServeHealthCheckReturnsOk(t *testing.T) {
	cfg := testConfig(true)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	serveHealthCheck(cfg)(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ok\n", rec.Body.String())
}

func TestServeTokenIssuesTokenInDevMode(t *testing.T) {
	cfg := testConfig(true)
	authSvc := auth.New([]byte("0123456789abcdef0123456789abcdef"), time.Hour, true)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"userId":"p1"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", body)

	serveToken(cfg, authSvc)(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	userID, err := authSvc.VerifyToken(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "p1", userID)
}

func TestServeTokenForbiddenInProduction(t *testing.T) {
	cfg := testConfig(false)
	authSvc := auth.New([]byte("0123456789abcdef0123456789abcdef"), time.Hour, false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"userId":"p1"}`))

	serveToken(cfg, authSvc)(rec, req, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeTokenRejectsMissingUserID(t *testing.T) {
	cfg := testConfig(true)
	authSvc := auth.New([]byte("0123456789abcdef0123456789abcdef"), time.Hour, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{}`))

	serveToken(cfg, authSvc)(rec, req, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorsMiddlewareEchoesAllowedOrigin(t *testing.T) {
	cfg := testConfig(true)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware(cfg, inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://example.com")

	handler.ServeHTTP(rec, req)

	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddlewareOmitsHeaderForDisallowedOrigin(t *testing.T) {
	cfg := testConfig(true)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware(cfg, inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")

	handler.ServeHTTP(rec, req)

	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteErrorMapsKindToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apierr.New(apierr.RateLimited, "slow down").WithCorrID("c1"))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "c1", body["corrId"])
}

func TestSecurityHeadersSetsHSTSOnlyForTLS(t *testing.T) {
	cfg := &config.Config{}
	rec := httptest.NewRecorder()
	securityHeaders(cfg, rec)
	require.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	cfg.TLSCert, cfg.TLSKey = "cert.pem", "key.pem"
	rec = httptest.NewRecorder()
	securityHeaders(cfg, rec)
	require.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestServePuzzleCreateReturnsCreatedEvent(t *testing.T) {
	cfg := testConfig(true)
	creator := &fakeCreator{event: reducer.Event{Timestamp: 1000, Type: reducer.EventCreate, User: "p1"}}

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"gid":"g1","userId":"p1","puzzle":{"info":{},"grid":[],"solution":[],"clues":{"across":[],"down":[]}}}`)
	req := httptest.NewRequest(http.MethodPost, "/games", body)

	servePuzzleCreate(cfg, creator)(rec, req, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestServePuzzleCreateRejectsMissingFields(t *testing.T) {
	cfg := testConfig(true)
	creator := &fakeCreator{}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/games", strings.NewReader(`{"gid":"g1"}`))

	servePuzzleCreate(cfg, creator)(rec, req, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServePuzzleCreateMapsConflict(t *testing.T) {
	cfg := testConfig(true)
	creator := &fakeCreator{err: apierr.New(apierr.Conflict, "a create event already exists for this id")}

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"gid":"g1","userId":"p1","puzzle":{"info":{},"grid":[],"solution":[],"clues":{"across":[],"down":[]}}}`)
	req := httptest.NewRequest(http.MethodPost, "/games", body)

	servePuzzleCreate(cfg, creator)(rec, req, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}
