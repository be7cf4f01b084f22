// Package main provides a CLI tool for inspecting kioku workflow state.
//
// Usage:
//
//	kioku get <instance_id> [--db <path>]
//	kioku list [--db <path>] [--status <status>] [--limit <n>]
//	kioku pending [--db <path>]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yotsuki/kioku/storage"
)

var dbPath string

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	cmdArgs := os.Args[2:]

	switch cmd {
	case "get":
		fs := flag.NewFlagSet("get", flag.ExitOnError)
		fs.StringVar(&dbPath, "db", "kioku.db", "Path to database")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()

		if len(args) < 1 {
			fmt.Println("Error: instance_id is required")
			fmt.Println("Usage: kioku get <instance_id> [--db <path>]")
			os.Exit(1)
		}
		if err := cmdGet(args[0]); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		fs.StringVar(&dbPath, "db", "kioku.db", "Path to database")
		statusFlag := fs.String("status", "", "Filter by status")
		limitFlag := fs.Int("limit", 50, "Maximum number of instances to show")
		_ = fs.Parse(cmdArgs)

		if err := cmdList(*statusFlag, *limitFlag); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	case "pending":
		fs := flag.NewFlagSet("pending", flag.ExitOnError)
		fs.StringVar(&dbPath, "db", "kioku.db", "Path to database")
		_ = fs.Parse(cmdArgs)

		if err := cmdPending(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kioku CLI - Inspect kioku workflow state")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kioku <command> [arguments] [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  get <instance_id>   Get workflow instance details and history")
	fmt.Println("  list                List workflow instances")
	fmt.Println("  pending             List instances the poller would pick up now")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --db <path>        Database path (default: kioku.db)")
	fmt.Println("  --status <status>  Filter by status (for list command)")
	fmt.Println("  --limit <n>        Maximum rows (for list command)")
	fmt.Println()
	fmt.Println("Status Values:")
	fmt.Println("  running, sleeping, completed, failed")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  kioku get wf-123abc")
	fmt.Println("  kioku list --status sleeping")
	fmt.Println("  kioku pending")
}

func openStorage() (*storage.SQLite, error) {
	store, err := storage.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// cmdGet displays detailed information about a workflow instance.
func cmdGet(instanceID string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	state, err := store.Load(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}
	if state == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}

	fmt.Println("=== Workflow Instance ===")
	fmt.Printf("Instance ID:  %s\n", state.ID)
	fmt.Printf("Workflow:     %s\n", state.Name)
	fmt.Printf("Status:       %s\n", statusLabel(state.Status))
	fmt.Printf("Version:      %d\n", state.Version)
	fmt.Printf("Created:      %s\n", state.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", state.UpdatedAt.Format(time.RFC3339))
	if state.WakeUpAt != nil {
		fmt.Printf("Wakes Up:     %s\n", state.WakeUpAt.Format(time.RFC3339))
	}

	if len(state.Variables.Args) > 0 {
		fmt.Println()
		fmt.Println("--- Input ---")
		prettyPrintJSON(state.Variables.Args)
	}
	if len(state.Variables.Result) > 0 {
		fmt.Println()
		fmt.Println("--- Output ---")
		prettyPrintJSON(state.Variables.Result)
	}
	if state.Variables.Error != "" {
		fmt.Println()
		fmt.Println("--- Error ---")
		fmt.Println(state.Variables.Error)
	}

	fmt.Println()
	fmt.Println("--- History ---")
	if len(state.History) == 0 {
		fmt.Println("(no history)")
		return nil
	}
	for i, event := range state.History {
		line := fmt.Sprintf("%d. [%s] %s - %s",
			i+1,
			event.Timestamp.Format("15:04:05"),
			event.Type,
			event.StepID,
		)
		if len(event.Result) > 0 {
			line += " -> " + truncate(string(event.Result), 60)
		}
		fmt.Println(line)
	}

	return nil
}

// cmdList lists workflow instances with optional status filtering.
func cmdList(statusFilter string, limit int) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	states, err := store.List(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	if statusFilter != "" {
		want := storage.Status(strings.ToLower(statusFilter))
		var filtered []*storage.State
		for _, state := range states {
			if state.Status == want {
				filtered = append(filtered, state)
			}
		}
		states = filtered
	}

	printTable(states)
	return nil
}

// cmdPending lists instances the poller would pick up right now.
func cmdPending() error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	states, err := store.FindPending(context.Background(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to find pending instances: %w", err)
	}

	printTable(states)
	return nil
}

// Helper functions

func printTable(states []*storage.State) {
	if len(states) == 0 {
		fmt.Println("No workflow instances found.")
		return
	}

	fmt.Printf("%-40s %-20s %-12s %-20s\n", "INSTANCE ID", "WORKFLOW", "STATUS", "UPDATED")
	fmt.Println(strings.Repeat("-", 96))

	for _, state := range states {
		fmt.Printf("%-40s %-20s %-12s %-20s\n",
			truncate(state.ID, 38),
			truncate(state.Name, 18),
			statusLabel(state.Status),
			state.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Printf("\nTotal: %d instances\n", len(states))
}

func statusLabel(status storage.Status) string {
	switch status {
	case storage.StatusRunning:
		return "🏃 running"
	case storage.StatusSleeping:
		return "💤 sleeping"
	case storage.StatusCompleted:
		return "✅ completed"
	case storage.StatusFailed:
		return "❌ failed"
	default:
		return string(status)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func prettyPrintJSON(data []byte) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(pretty))
}
