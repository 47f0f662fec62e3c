// Package auth implements C1: HMAC-signed bearer tokens plus the
// precedence rules for pulling a user-id out of an HTTP request or a
// realtime handshake (spec.md §4.1, §6.1), grounded on
// robalobadob-wordle's signJWT/bearerOrCookie/withOptionalAuth.
package auth

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crosswithfriends/crossplay/internal/apierr"
)

// userIDPattern enforces spec.md §4.1's issueToken format check:
// non-empty, printable, <=128 bytes.
var userIDPattern = regexp.MustCompile(`^[\x21-\x7e]{1,128}$`)

// claims is the token payload (spec.md §6.1): {user-id, iat, exp}.
type claims struct {
	UserID string `json:"user-id"`
	jwt.RegisteredClaims
}

// Service issues and verifies bearer tokens and extracts the
// authenticated user-id from requests and socket handshakes.
type Service struct {
	secret        []byte
	lifetime      time.Duration
	legacyAllowed bool
}

// New builds a Service. legacyAllowed should be cfg.LegacyAuthAllowed()
// — the dev-mode fallback is gated entirely by the caller's config, not
// by anything in this package, so production can never enable it by
// accident.
func New(secret []byte, lifetime time.Duration, legacyAllowed bool) *Service {
	return &Service{secret: secret, lifetime: lifetime, legacyAllowed: legacyAllowed}
}

// IssueToken mints a signed token for userID, valid for the service's
// configured lifetime (spec.md §4.1).
func (s *Service) IssueToken(userID string) (token string, expiresAt time.Time, err error) {
	if !userIDPattern.MatchString(userID) {
		return "", time.Time{}, apierr.New(apierr.Validation, "INVALID_USER")
	}

	now := time.Now()
	exp := now.Add(s.lifetime)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, apierr.Wrap(apierr.Internal, "sign token", err)
	}
	return signed, exp, nil
}

// VerifyToken validates raw and returns the embedded user-id (spec.md
// §4.1, §6.1). Clock skew tolerance is +/-30s.
func (s *Service) VerifyToken(raw string) (userID string, err error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.New(apierr.Unauthed, "BAD_SIGNATURE")
		}
		return s.secret, nil
	}, jwt.WithLeeway(30*time.Second))

	if err != nil {
		switch {
		case strings.Contains(err.Error(), "expired"):
			return "", apierr.New(apierr.Unauthed, "EXPIRED")
		case strings.Contains(err.Error(), "signature is invalid"):
			return "", apierr.New(apierr.Unauthed, "BAD_SIGNATURE")
		default:
			return "", apierr.New(apierr.Unauthed, "MALFORMED")
		}
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.UserID == "" {
		return "", apierr.New(apierr.Unauthed, "MALFORMED")
	}
	return c.UserID, nil
}

// ExtractFromRequest implements spec.md §4.1's extractUserFromRequest:
// (1) Authorization: Bearer <tok>; (2) ?token=; (3) legacy
// ?user-id=, then X-User-Id, only when legacyAllowed. A userId field in
// the request body is not read.
func (s *Service) ExtractFromRequest(r *http.Request) (string, error) {
	if tok := bearerFromHeader(r.Header.Get("Authorization")); tok != "" {
		return s.VerifyToken(tok)
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return s.VerifyToken(tok)
	}

	if s.legacyAllowed {
		if uid := r.URL.Query().Get("user-id"); uid != "" {
			return uid, nil
		}
		if uid := r.Header.Get("X-User-Id"); uid != "" {
			return uid, nil
		}
	}

	return "", apierr.New(apierr.Unauthed, "missing bearer token")
}

// HandshakeAuth is the transport-agnostic auth bag a realtime
// handshake carries: a query-string-shaped set of values, plus
// whatever headers the transport surfaced during upgrade.
type HandshakeAuth struct {
	Query  url.Values
	Header http.Header
}

// ExtractFromSocket mirrors ExtractFromRequest's precedence for a
// realtime handshake (spec.md §4.1 extractUserFromSocket).
func (s *Service) ExtractFromSocket(h HandshakeAuth) (string, error) {
	if tok := bearerFromHeader(h.Header.Get("Authorization")); tok != "" {
		return s.VerifyToken(tok)
	}
	if tok := h.Query.Get("token"); tok != "" {
		return s.VerifyToken(tok)
	}

	if s.legacyAllowed {
		if uid := h.Query.Get("user-id"); uid != "" {
			return uid, nil
		}
		if uid := h.Header.Get("X-User-Id"); uid != "" {
			return uid, nil
		}
	}

	return "", apierr.New(apierr.Unauthed, "missing bearer token")
}

func bearerFromHeader(authorization string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authorization, prefix) {
		return strings.TrimPrefix(authorization, prefix)
	}
	return ""
}
