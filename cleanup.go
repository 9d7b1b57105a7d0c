package main

import (
	"context"
	"fmt"
	"log"
)

func cleanupMappings() {
	a := newApp()
	defer a.Close()

	fmt.Println("🚀 Starting cleanup...")
	n, err := a.store.DeleteOrphanMappings(context.Background())
	if err != nil {
		log.Fatalf("Error deleting orphan mappings: %v", err)
	}
	fmt.Printf("✅ Removed %d orphaned mapping(s)\n", n)
}
