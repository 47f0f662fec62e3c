// Package httpd implements the HTTP surface: security headers, CORS,
// health check, dev-mode token issuance, and the realtime upgrade
// route, generalized from Seednode-partybox's web.go/html.go route
// wiring and graceful-shutdown pattern.
package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/crosswithfriends/crossplay/internal/apierr"
	"github.com/crosswithfriends/crossplay/internal/auth"
	"github.com/crosswithfriends/crossplay/internal/config"
	"github.com/crosswithfriends/crossplay/internal/logx"
	"github.com/crosswithfriends/crossplay/internal/ratelimit"
	"github.com/crosswithfriends/crossplay/internal/realtime"
	"github.com/crosswithfriends/crossplay/internal/reducer"
)

const timeout = 10 * time.Second

// securityHeaders mirrors partybox's web.go securityHeaders, generalized
// to the same origin policy for every response this server renders.
func securityHeaders(cfg *config.Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.Scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

// corsMiddleware honors cfg.CORSOrigins (spec.md §6.5): a literal "*"
// allows any origin in development mode only (per partybox's dev-mode
// conventions; in other modes it matches no origin), otherwise only a
// listed origin is echoed back.
func corsMiddleware(cfg *config.Config, next http.Handler) http.Handler {
	allowAll := cfg.ServerMode == config.ModeDevelopment && len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*"
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case apierr.Validation:
		status = http.StatusBadRequest
	case apierr.Unauthed:
		status = http.StatusUnauthorized
	case apierr.Forbidden:
		status = http.StatusForbidden
	case apierr.NotFound:
		status = http.StatusNotFound
	case apierr.Conflict:
		status = http.StatusConflict
	case apierr.RateLimited:
		status = http.StatusTooManyRequests
	case apierr.Timeout:
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"kind":    err.Kind,
		"message": err.Message,
		"corrId":  err.CorrID,
	})
}

func serveHealthCheck(cfg *config.Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		_, _ = io.WriteString(w, "Ok\n")
	}
}

type tokenRequest struct {
	UserID string `json:"userId"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// serveToken implements the SPEC_FULL `POST /auth/token` dev-mode
// issuance endpoint: gated behind cfg.LegacyAuthAllowed the same way
// the legacy request-auth fallback is, so production can never mint
// a token without going through a real identity provider.
func serveToken(cfg *config.Config, authSvc *auth.Service) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		if !cfg.LegacyAuthAllowed() {
			writeError(w, apierr.New(apierr.Forbidden, "token issuance is disabled in this mode"))
			return
		}

		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeError(w, apierr.New(apierr.Validation, "missing userId"))
			return
		}

		token, expiresAt, err := authSvc.IssueToken(req.UserID)
		if err != nil {
			ae, ok := err.(*apierr.Error)
			if !ok {
				ae = apierr.Wrap(apierr.Internal, "issue token", err)
			}
			writeError(w, ae)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: token, ExpiresAt: expiresAt.UnixMilli()})
	}
}

// GameCreator is the store capability needed to import a puzzle as a
// brand-new game (spec.md §2/§4.2 createInitialEvent), kept as an
// interface so httpd doesn't need the concrete *store.Store type.
type GameCreator interface {
	CreateInitialEvent(ctx context.Context, gid string, puzzle *reducer.Puzzle, userID string, now int64) (reducer.Event, error)
}

type createGameRequest struct {
	GID    string          `json:"gid"`
	UserID string          `json:"userId"`
	Puzzle *reducer.Puzzle `json:"puzzle"`
}

// servePuzzleCreate implements the server-side puzzle-import route:
// an operator or import job posts a puzzle and a target gid, which
// becomes that game's `create` event (spec.md §4.2). This is a
// separate entry point from the realtime game_event path, which lets
// a connected player create a game directly from the client; both
// funnel through CreateInitialEvent/appendEvent's CONFLICT check, so
// neither can silently clobber an existing game.
func servePuzzleCreate(cfg *config.Config, creator GameCreator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		var req createGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GID == "" || req.UserID == "" || req.Puzzle == nil {
			writeError(w, apierr.New(apierr.Validation, "missing gid, userId, or puzzle"))
			return
		}

		event, err := creator.CreateInitialEvent(r.Context(), req.GID, req.Puzzle, req.UserID, time.Now().UnixMilli())
		if err != nil {
			ae, ok := err.(*apierr.Error)
			if !ok {
				ae = apierr.Wrap(apierr.Internal, "create game", err)
			}
			writeError(w, ae)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"gid": req.GID, "event": event})
	}
}

// registerProfileHandlers wires net/http/pprof in behind cfg.Profile,
// adapted from partybox's registerProfileHandlers (same routes, same
// opt-in gate) so operators can still profile a running instance.
func registerProfileHandlers(prefix string, mux *httprouter.Router) {
	mux.Handler("GET", prefix+"/pprof/allocs", pprof.Handler("allocs"))
	mux.Handler("GET", prefix+"/pprof/block", pprof.Handler("block"))
	mux.Handler("GET", prefix+"/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handler("GET", prefix+"/pprof/heap", pprof.Handler("heap"))
	mux.Handler("GET", prefix+"/pprof/mutex", pprof.Handler("mutex"))
	mux.Handler("GET", prefix+"/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.HandlerFunc("GET", prefix+"/pprof/cmdline", pprof.Cmdline)
	mux.HandlerFunc("GET", prefix+"/pprof/profile", pprof.Profile)
	mux.HandlerFunc("GET", prefix+"/pprof/symbol", pprof.Symbol)
	mux.HandlerFunc("GET", prefix+"/pprof/trace", pprof.Trace)
}

// Serve builds and runs the HTTP server, blocking until ctx is
// cancelled, then drains within cfg.ShutdownGrace before forcing
// close — the same lifecycle shape as partybox's ServePage.
func Serve(ctx context.Context, cfg *config.Config, authSvc *auth.Service, limiter *ratelimit.Limiter, hub *realtime.Hub, creator GameCreator) error {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, _ any) {
		securityHeaders(cfg, w)
		writeError(w, apierr.New(apierr.Internal, "internal server error"))
	}

	prefix := strings.TrimSuffix(cfg.Prefix, "/")

	mux.GET(prefix+"/healthz", serveHealthCheck(cfg))
	mux.POST(prefix+"/auth/token", serveToken(cfg, authSvc))
	mux.POST(prefix+"/games", servePuzzleCreate(cfg, creator))
	mux.GET(prefix+"/ws", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		hub.ServeWS(w, r)
	})

	if cfg.Profile {
		registerProfileHandlers(prefix, mux)
	}

	var handler http.Handler = mux
	handler = corsMiddleware(cfg, handler)
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Errorf("", "httpd: listen error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
