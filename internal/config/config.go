/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

// Package config defines the process-wide Config struct and the
// cobra/pflag/viper wiring that populates it, generalized from
// partybox's flat Config to the options named in spec.md §6.5.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Mode is the deployment mode gating legacy auth bypass and strict
// security checks (spec.md §4.1, §5, §6.5).
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeStaging     Mode = "staging"
	ModeProduction  Mode = "production"
)

// MinSecretBytes is the minimum length of AUTH_TOKEN_SECRET.
const MinSecretBytes = 32

// Config carries every runtime option. Fields mirror partybox's Config
// (bind/port/prefix/profile/tls*/verbose) plus the options spec.md §6.5
// requires for auth, rate limiting, CORS, storage, and realtime timing.
type Config struct {
	Bind    string
	Port    int
	Prefix  string
	Profile bool
	TLSCert string
	TLSKey  string
	Verbose bool
	Version bool

	ServerMode Mode

	AuthTokenSecret string
	TokenLifetime   time.Duration
	RequireAuth     bool

	RateLimitMax       int
	RateLimitWindow    time.Duration
	RateLimitAllowlist []string

	CORSOrigins []string

	DBURL                   string
	DBSSL                   bool
	DBSSLRejectUnauthorized bool

	PingInterval time.Duration
	PingTimeout  time.Duration

	MemoRate          int
	MaxClockIncrement time.Duration

	ShutdownGrace time.Duration
}

// Scheme returns "https" when TLS is configured, mirroring partybox's
// Config.scheme().
func (c *Config) Scheme() string {
	if c.TLSCert != "" && c.TLSKey != "" {
		return "https"
	}
	return "http"
}

// IsProduction reports whether strict security invariants apply.
func (c *Config) IsProduction() bool {
	return c.ServerMode == ModeProduction
}

// Validate enforces spec.md §5's security invariants and partybox's
// port/TLS pairing checks. Startup must abort if this returns an error.
func (c *Config) Validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}

	switch c.ServerMode {
	case ModeDevelopment, ModeStaging, ModeProduction:
	default:
		return fmt.Errorf("invalid server mode: %q", c.ServerMode)
	}

	if c.IsProduction() {
		// RequireAuth is forced true in production regardless of the
		// configured value (spec.md §6.5).
		c.RequireAuth = true

		if len(c.AuthTokenSecret) < MinSecretBytes {
			return fmt.Errorf("critical security error: AUTH_TOKEN_SECRET must be at least %d bytes in production", MinSecretBytes)
		}
		if c.DBURL != "" && c.DBSSL && !c.DBSSLRejectUnauthorized {
			return errors.New("critical security error: DB_SSL_REJECT_UNAUTHORIZED must be true in production")
		}
	}

	return nil
}

// LegacyAuthAllowed reports whether the legacy ?user-id / X-User-Id
// auth bypass (spec.md §4.1) may be used.
func (c *Config) LegacyAuthAllowed() bool {
	return !c.IsProduction() && !c.RequireAuth
}

// NewCommand builds the root cobra command, binding flags through pflag
// and layering environment overrides via viper exactly as partybox's
// newCmd does (env prefix renamed CROSSPLAY, "-" -> "_").
func NewCommand(cfg *Config, run func(cmd *cobra.Command, args []string) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CROSSPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "crossplay-server",
		Short:         "Realtime collaborative crossword engine.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: CROSSPLAY_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: CROSSPLAY_PORT)")
	fs.StringVar(&cfg.Prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: CROSSPLAY_PREFIX)")
	fs.BoolVar(&cfg.Profile, "profile", false, "register net/http/pprof handlers (env: CROSSPLAY_PROFILE)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to tls certificate (env: CROSSPLAY_TLS_CERT)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to tls keyfile (env: CROSSPLAY_TLS_KEY)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "display additional output (env: CROSSPLAY_VERBOSE)")

	mode := string(ModeDevelopment)
	fs.StringVar(&mode, "server-mode", mode, "development|staging|production (env: CROSSPLAY_SERVER_MODE)")

	fs.StringVar(&cfg.AuthTokenSecret, "auth-token-secret", "", "HMAC secret for bearer tokens, >=32 bytes (env: CROSSPLAY_AUTH_TOKEN_SECRET)")
	fs.DurationVar(&cfg.TokenLifetime, "token-lifetime", 24*time.Hour, "bearer token lifetime (env: CROSSPLAY_TOKEN_LIFETIME)")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", false, "require verified bearer tokens (env: CROSSPLAY_REQUIRE_AUTH)")

	fs.IntVar(&cfg.RateLimitMax, "rate-limit-max", 1000, "max requests per IP per window (env: CROSSPLAY_RATE_LIMIT_MAX)")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", 15*time.Minute, "rate limit refill window (env: CROSSPLAY_RATE_LIMIT_WINDOW)")

	var corsOrigins string
	fs.StringVar(&corsOrigins, "cors-origins", "", "comma-separated CORS allow list (env: CROSSPLAY_CORS_ORIGINS)")

	fs.StringVar(&cfg.DBURL, "db-url", "", "postgres connection string (env: CROSSPLAY_DB_URL)")
	fs.BoolVar(&cfg.DBSSL, "db-ssl", false, "require TLS to postgres (env: CROSSPLAY_DB_SSL)")
	fs.BoolVar(&cfg.DBSSLRejectUnauthorized, "db-ssl-reject-unauthorized", true, "verify postgres TLS cert (env: CROSSPLAY_DB_SSL_REJECT_UNAUTHORIZED)")

	fs.DurationVar(&cfg.PingInterval, "ping-interval", 2*time.Second, "realtime ping interval (env: CROSSPLAY_PING_INTERVAL)")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", 5*time.Second, "realtime ping timeout (env: CROSSPLAY_PING_TIMEOUT)")

	fs.IntVar(&cfg.MemoRate, "memo-rate", 10, "history engine memoization rate (env: CROSSPLAY_MEMO_RATE)")
	fs.DurationVar(&cfg.MaxClockIncrement, "max-clock-increment", 30*time.Second, "max single clock tick delta (env: CROSSPLAY_MAX_CLOCK_INCREMENT)")

	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 10*time.Second, "graceful shutdown drain window (env: CROSSPLAY_SHUTDOWN_GRACE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	origPreRun := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cfg.ServerMode = Mode(mode)
		if corsOrigins != "" {
			cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		}
		if origPreRun != nil {
			return origPreRun(cmd, args)
		}
		return nil
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
