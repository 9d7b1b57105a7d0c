package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bobuk/calsync/internal/syncer"
)

func syncCalendars() {
	a := newApp()
	defer a.Close()

	ctx := context.Background()
	links, err := a.store.ListCalendarLinks(ctx)
	if err != nil {
		log.Fatalf("Error retrieving calendars: %v", err)
	}
	if len(links) == 0 {
		fmt.Println("No calendars linked. Run 'calsync add' first.")
		return
	}

	fmt.Println("🚀 Starting calendar synchronization...")
	failed := false
	for _, link := range links {
		fmt.Printf("📅 Syncing account %s (%s calendar %s)\n", link.AccountName, link.ProviderType, link.CalendarID)
		res := a.engine.TriggerSync(ctx, link.AccountName)
		printResult(res)
		if !res.Success {
			failed = true
		}
	}

	if failed {
		fmt.Println("❗️ Synchronization finished with errors")
		os.Exit(1)
	}
	fmt.Println("✅ Calendar synchronization complete")
}

func printResult(res syncer.SyncResult) {
	mode := "incremental"
	if res.FullSync {
		mode = "full"
	}
	fmt.Printf("  ↪️ %s sync: %d added, %d updated, %d deleted, %d pushed (%s)\n",
		mode, res.Added, res.Updated, res.Deleted, res.Pushed, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, item := range res.Errors {
		id := item.EventID
		if id == "" {
			id = item.RemoteID
		}
		fmt.Printf("    ⚠️ %s %s: %s\n", item.Op, id, item.Error)
	}
	switch {
	case res.ReconnectRequired:
		fmt.Printf("  🔑 Account %s must be reconnected: run 'calsync add' again\n", res.UserID)
	case res.Error != "":
		fmt.Printf("  ❌ %s\n", res.Error)
	}
}
