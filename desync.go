package main

import (
	"context"
	"fmt"
	"log"
)

// desyncAccount disconnects the account and forgets its credentials and
// sync state. Local events stay, but lose their remote links.
func desyncAccount(args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: calsync desync <account>")
	}
	accountName := args[0]

	a := newApp()
	defer a.Close()

	ctx := context.Background()
	fmt.Printf("🚀 Desyncing account %s...\n", accountName)
	a.engine.Disconnect(accountName)

	if err := a.store.DeleteToken(ctx, accountName); err != nil {
		log.Fatalf("Error deleting token: %v", err)
	}
	if err := a.store.DeleteMetadata(ctx, accountName); err != nil {
		log.Fatalf("Error deleting sync metadata: %v", err)
	}
	n, err := a.store.UnlinkEvents(ctx, accountName)
	if err != nil {
		log.Fatalf("Error unlinking events: %v", err)
	}
	if err := a.store.UnlinkCalendar(ctx, accountName); err != nil {
		log.Fatalf("Error removing calendar link: %v", err)
	}

	fmt.Printf("  🗑️ Unlinked %d event(s)\n", n)
	fmt.Printf("✅ Account %s desynced\n", accountName)
}
