package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/syncer"
)

func deleteEvent(args []string) {
	if len(args) != 2 {
		log.Fatalf("Usage: calsync delete <account> <event-id>")
	}
	accountName, eventID := args[0], args[1]

	a := newApp()
	defer a.Close()

	ctx := context.Background()
	fmt.Printf("🚀 Deleting event %s from account %s...\n", eventID, accountName)
	err := a.engine.Push(ctx, accountName, eventID, syncer.PushDelete)
	switch {
	case errors.Is(err, model.ErrNotFound):
		log.Fatalf("Error: event %s not found for account %s", eventID, accountName)
	case err != nil:
		log.Fatalf("Error deleting event: %v", err)
	}
	fmt.Println("✅ Event deleted locally and remotely")
}
