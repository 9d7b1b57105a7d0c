package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobuk/calsync/internal/httpapi"
	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func serve() {
	a := newApp()
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(ctx, a.engine, a.cfg.Sync.Schedule)
	if err != nil {
		log.Fatalf("Error creating scheduler: %v", err)
	}
	links, err := a.store.ListCalendarLinks(ctx)
	if err != nil {
		log.Fatalf("Error retrieving calendars: %v", err)
	}
	for _, link := range links {
		sched.Add(link.AccountName)
	}

	handler, err := httpapi.NewHandler(a.engine, a.store, sched)
	if err != nil {
		log.Fatalf("Error creating API handler: %v", err)
	}
	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           httpapi.NewRouter(handler, a.cfg.APIToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start()
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	fmt.Printf("🚀 Serving on %s, syncing %d account(s) on %q\n", a.cfg.Listen, len(links), a.cfg.Sync.Schedule)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server stopped", err)
		}
	}

	fmt.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		appLog.Info("scheduled syncs still running at shutdown")
	}
}
