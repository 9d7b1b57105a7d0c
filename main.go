package main

import (
	"fmt"
	"os"
)

const usage = `Usage: calsync <command>

Commands:
  add                         link an account to a Google or CalDAV calendar
  sync                        run one sync cycle for every linked account
  serve                       run the HTTP API and the periodic scheduler
  list                        show linked accounts
  delete <account> <event>    delete a local event and its remote copy
  desync <account>            disconnect an account and unlink its events
  cleanup                     drop mappings whose local event is gone`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "add":
		addCalendar()
	case "sync":
		syncCalendars()
	case "serve":
		serve()
	case "list":
		listCalendars()
	case "delete":
		deleteEvent(args)
	case "desync":
		desyncAccount(args)
	case "cleanup":
		cleanupMappings()
	default:
		fmt.Printf("Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}
