package cmd

import (
	"fmt"

	"github.com/fclairamb/objsync/internal/objdb"
)

// displayJournal prints recent store transactions, newest first.
//
//nolint:forbidigo // CLI user output function
func displayJournal(entries []objdb.JournalEntry) {
	if len(entries) == 0 {
		fmt.Println("No transactions recorded yet.")
		return
	}
	for _, entry := range entries {
		note := entry.Note
		if note == "" {
			note = "(no note)"
		}
		fmt.Printf("%s  %s\n", entry.TID, note)
	}
}

// displayDryRunComplete confirms that a dry run was rolled back.
//
//nolint:forbidigo // CLI user output function
func displayDryRunComplete(note string) {
	fmt.Printf("Dry run complete - %s was rolled back\n", note)
}
