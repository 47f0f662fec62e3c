package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crosswithfriends/crossplay/internal/auth"
	"github.com/crosswithfriends/crossplay/internal/config"
	"github.com/crosswithfriends/crossplay/internal/httpd"
	"github.com/crosswithfriends/crossplay/internal/logx"
	"github.com/crosswithfriends/crossplay/internal/ratelimit"
	"github.com/crosswithfriends/crossplay/internal/realtime"
	"github.com/crosswithfriends/crossplay/internal/store"
)

func main() {
	log.SetFlags(0)
	cfg := &config.Config{}

	run := func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	}

	cobra.CheckErr(config.NewCommand(cfg, run).Execute())
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.DBURL, store.Options{
		SSL:                   cfg.DBSSL,
		SSLRejectUnauthorized: cfg.DBSSLRejectUnauthorized,
	})
	if err != nil {
		return err
	}

	authSvc := auth.New([]byte(cfg.AuthTokenSecret), cfg.TokenLifetime, cfg.LegacyAuthAllowed())
	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow, []string{"/healthz"})
	hub := realtime.NewHub(st, authSvc, cfg.PingInterval, cfg.PingTimeout, cfg.Verbose)

	logx.Logf(true, "", "START: crossplay-server on %s://%s:%d%s", cfg.Scheme(), cfg.Bind, cfg.Port, cfg.Prefix)

	return httpd.Serve(ctx, cfg, authSvc, limiter, hub, st)
}
