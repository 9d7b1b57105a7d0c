package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

func listCalendars() {
	a := newApp()
	defer a.Close()

	ctx := context.Background()
	links, err := a.store.ListCalendarLinks(ctx)
	if err != nil {
		log.Fatalf("Error retrieving calendars: %v", err)
	}

	fmt.Println("📋 Linked calendars:")
	for _, link := range links {
		count, err := a.store.CountEvents(ctx, link.AccountName)
		if err != nil {
			log.Fatalf("Error counting events: %v", err)
		}
		md, err := a.store.LoadMetadata(ctx, link.AccountName)
		if err != nil {
			log.Fatalf("Error loading sync metadata: %v", err)
		}

		lastSync := "never"
		if at := md.LastCycleAt(); !at.IsZero() {
			lastSync = at.Local().Format(time.DateTime)
		}
		server := ""
		if link.ProviderConfig != "" {
			server = " @ " + link.ProviderConfig
		}
		fmt.Printf("  👤 %s (%s%s)\n", link.AccountName, link.ProviderType, server)
		fmt.Printf("    📅 %s\n", link.CalendarID)
		fmt.Printf("    🗂  %d event(s), last sync: %s\n", count, lastSync)
	}
}
