package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/bobuk/calsync/internal/config"
	"github.com/bobuk/calsync/internal/store"
)

func addCalendar() {
	a := newApp()
	defer a.Close()

	fmt.Println("🚀 Starting calendar addition...")
	fmt.Print("👤 Enter account name: ")
	var accountName string
	fmt.Scanln(&accountName)
	if accountName == "" {
		log.Fatalf("Error: account name is required")
	}

	fmt.Print("🔄 Enter provider type (google or caldav): ")
	var providerType string
	fmt.Scanln(&providerType)
	providerType = strings.ToLower(providerType)

	fmt.Print("📅 Enter calendar ID or URL: ")
	reader := bufio.NewReader(os.Stdin)
	calendarID, _ := reader.ReadString('\n')
	calendarID = strings.TrimSpace(calendarID)

	ctx := context.Background()
	var providerConfig string

	switch providerType {
	case store.ProviderGoogle:
		a.ensureToken(ctx, accountName)
	case store.ProviderCalDAV:
		if len(a.cfg.CalDAVs) == 0 {
			log.Fatalf("Error: No CalDAV server configurations found in %s", config.DefaultFileName)
		}

		fmt.Println("Available CalDAV servers:")
		servers := make([]string, 0, len(a.cfg.CalDAVs))
		for name := range a.cfg.CalDAVs {
			servers = append(servers, name)
		}
		sort.Strings(servers)
		for i, name := range servers {
			server := a.cfg.CalDAVs[name]
			displayName := name
			if server.Name != "" {
				displayName = server.Name
			}
			fmt.Printf("  %d: %s (%s)\n", i, displayName, server.ServerURL)
		}

		fmt.Print("Enter server number: ")
		var serverIndex int
		fmt.Scanln(&serverIndex)
		if serverIndex < 0 || serverIndex >= len(servers) {
			log.Fatalf("Error: Invalid server selection")
		}
		providerConfig = servers[serverIndex]
		fmt.Printf("Using CalDAV server: %s\n", a.cfg.CalDAVs[providerConfig].ServerURL)
	default:
		log.Fatalf("Error: Unsupported provider type: %s (must be 'google' or 'caldav')", providerType)
	}

	provider, err := a.factory.CreateCalendarProvider(ctx, providerType, accountName, providerConfig, calendarID)
	if err != nil {
		log.Fatalf("Error creating %s calendar provider: %v", providerType, err)
	}
	if err := a.factory.ValidateCalendarAccess(ctx, provider); err != nil {
		log.Fatalf("Error retrieving %s calendar: %v", providerType, err)
	}

	err = a.store.LinkCalendar(ctx, store.CalendarLink{
		AccountName:    accountName,
		CalendarID:     calendarID,
		ProviderType:   providerType,
		ProviderConfig: providerConfig,
	})
	if err != nil {
		log.Fatalf("Error saving calendar ID: %v", err)
	}

	fmt.Printf("✅ %s Calendar %s added successfully for account %s\n",
		strings.ToUpper(providerType), calendarID, accountName)
}
