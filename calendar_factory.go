package main

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/bobuk/calsync/internal/auth"
	"github.com/bobuk/calsync/internal/config"
	"github.com/bobuk/calsync/internal/remote"
	"github.com/bobuk/calsync/internal/remote/caldav"
	"github.com/bobuk/calsync/internal/remote/google"
	"github.com/bobuk/calsync/internal/store"
)

// CalendarFactory builds providers for linked accounts and decides which
// accounts need OAuth credentials.
type CalendarFactory struct {
	config *config.Config
	store  *store.Store
	tokens *auth.Manager
}

func NewCalendarFactory(cfg *config.Config, db *store.Store, tokens *auth.Manager) *CalendarFactory {
	return &CalendarFactory{
		config: cfg,
		store:  db,
		tokens: tokens,
	}
}

// Connect returns the provider for the account's linked calendar.
func (cf *CalendarFactory) Connect(ctx context.Context, accountName string) (remote.Provider, error) {
	link, err := cf.store.CalendarLink(ctx, accountName)
	if err != nil {
		return nil, err
	}
	return cf.CreateCalendarProvider(ctx, link.ProviderType, accountName, link.ProviderConfig, link.CalendarID)
}

// CreateCalendarProvider creates a provider bound to calendarID.
func (cf *CalendarFactory) CreateCalendarProvider(ctx context.Context, providerType, accountName, serverName, calendarID string) (remote.Provider, error) {
	switch providerType {
	case store.ProviderGoogle:
		// The token source outlives the call that built the provider.
		src := cf.tokens.TokenSource(context.WithoutCancel(ctx), accountName)
		client := &http.Client{Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport}}
		provider, err := google.New(ctx, client, calendarID, []google.Option{google.WithoutReminders(cf.config.DisableReminders)})
		if err != nil {
			return nil, err
		}
		return provider, nil

	case store.ProviderCalDAV:
		if serverName == "" || serverName == "default" {
			return nil, fmt.Errorf("no server name provided for CalDAV provider")
		}
		server, ok := cf.config.CalDAVs[serverName]
		if !ok {
			return nil, fmt.Errorf("CalDAV server '%s' not found in configuration", serverName)
		}
		provider, err := caldav.New(ctx, server.ServerURL, server.Username, server.Password, calendarID)
		if err != nil {
			return nil, err
		}
		return provider, nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
}

// ValidateCalendarAccess checks that the provider can reach its calendar.
func (cf *CalendarFactory) ValidateCalendarAccess(ctx context.Context, provider remote.Provider) error {
	v, ok := provider.(interface {
		Validate(ctx context.Context) error
	})
	if !ok {
		return nil
	}
	return v.Validate(ctx)
}

func (cf *CalendarFactory) usesOAuth(ctx context.Context, accountName string) (bool, error) {
	link, err := cf.store.CalendarLink(ctx, accountName)
	if err != nil {
		return false, err
	}
	return link.ProviderType == store.ProviderGoogle, nil
}

// Authorize checks credentials for Google accounts. CalDAV accounts carry
// their password in the config and always pass.
func (cf *CalendarFactory) Authorize(ctx context.Context, accountName string) error {
	oauth, err := cf.usesOAuth(ctx, accountName)
	if err != nil || !oauth {
		return err
	}
	return cf.tokens.Authorize(ctx, accountName)
}

func (cf *CalendarFactory) Reauthorize(ctx context.Context, accountName string) error {
	oauth, err := cf.usesOAuth(ctx, accountName)
	if err != nil || !oauth {
		return err
	}
	return cf.tokens.Reauthorize(ctx, accountName)
}
