package main

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/bobuk/calsync/internal/auth"
	"github.com/bobuk/calsync/internal/config"
	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/mapper"
	"github.com/bobuk/calsync/internal/store"
	"github.com/bobuk/calsync/internal/syncer"
	"github.com/bobuk/calsync/internal/transport"
)

// app bundles what every command needs.
type app struct {
	cfg     *config.Config
	store   *store.Store
	oauth   *oauth2.Config
	tokens  *auth.Manager
	factory *CalendarFactory
	engine  *syncer.Engine
}

func newApp() *app {
	cfg, err := config.Read(config.DefaultFileName)
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	appLog.SetVerbosity(cfg.VerbosityLevel)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Error loading timezone %q: %v", cfg.Timezone, err)
	}

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabasePath())
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}

	oauthConfig := newOAuthConfig(cfg)
	tokens := auth.NewManager(db, auth.OAuthRefresher{Config: oauthConfig}, cfg.ExpiryLeeway())
	factory := NewCalendarFactory(cfg, db, tokens)

	tr := transport.New(transport.Policy{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
		Jitter:      cfg.Sync.Jitter,
	})
	engine := syncer.New(db, db, factory, factory, syncer.Options{
		Lookback:  cfg.Lookback(),
		Transport: tr,
		Mapper:    mapper.New(loc),
	})

	return &app{
		cfg:     cfg,
		store:   db,
		oauth:   oauthConfig,
		tokens:  tokens,
		factory: factory,
		engine:  engine,
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("closing database", err)
	}
}

func newOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       []string{calendar.CalendarScope},
	}
}

func getTokenFromWeb(ctx context.Context, config *oauth2.Config) *oauth2.Token {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code: \n%v\n", authURL)

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		log.Fatalf("Unable to read authorization code: %v", err)
	}

	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		log.Fatalf("Unable to retrieve token from web: %v", err)
	}
	return tok
}

// ensureToken runs the consent flow when the account has no usable token.
func (a *app) ensureToken(ctx context.Context, accountName string) {
	_, err := a.tokens.GetValidToken(ctx, accountName)
	if err == nil {
		return
	}
	if !auth.IsReconnectRequired(err) {
		log.Fatalf("Error retrieving token for account %s: %v", accountName, err)
	}
	fmt.Printf("  ❗️ No valid token for account %s. Obtaining a new token.\n", accountName)
	token := getTokenFromWeb(ctx, a.oauth)
	if err := a.store.SaveToken(ctx, accountName, token); err != nil {
		log.Fatalf("Error saving token: %v", err)
	}
}
