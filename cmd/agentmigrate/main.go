package main

import (
	"flag"
	"log"
	"os"

	"github.com/cuemby/controllerd/pkg/agentqueue"
)

var (
	stateFile  = flag.String("state-file", "", "Accounting queue state file to upconvert")
	dryRun     = flag.Bool("dry-run", false, "Show what would change without writing the file")
	backupPath = flag.String("backup", "", "Path to back up the state file before rewriting (default: <state-file>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Accounting Queue State Upconversion Tool")
	log.Println("=========================================")

	if *stateFile == "" {
		log.Fatal("--state-file is required")
	}

	if _, err := os.Stat(*stateFile); os.IsNotExist(err) {
		log.Fatalf("State file not found at %s", *stateFile)
	}

	log.Printf("State file: %s", *stateFile)
	log.Printf("Dry run: %v", *dryRun)

	f, err := os.Open(*stateFile)
	if err != nil {
		log.Fatalf("Failed to open state file: %v", err)
	}
	items, err := agentqueue.LoadState(f)
	f.Close()
	if err != nil {
		log.Fatalf("Failed to parse state file: %v", err)
	}

	log.Printf("Found %d queued messages", len(items))
	if *dryRun {
		log.Println("\n[DRY RUN] Would rewrite the file at the current on-disk schema version.")
		log.Println("No changes made.")
		return
	}

	if len(items) == 0 {
		log.Println("Nothing to rewrite")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = *stateFile + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(*stateFile, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("Backup created successfully")

	out, err := os.Create(*stateFile)
	if err != nil {
		log.Fatalf("Failed to open state file for rewrite: %v", err)
	}
	defer out.Close()
	if err := agentqueue.SaveState(out, items); err != nil {
		log.Fatalf("Failed to rewrite state file: %v", err)
	}

	log.Printf("Rewrote %d messages at the current schema version", len(items))
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
