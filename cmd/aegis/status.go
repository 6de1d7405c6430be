package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/aegis/internal/config"
	"github.com/basket/aegis/internal/session"
)

func runStatusCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	store, err := session.NewStore(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session store: %v\n", err)
		return 1
	}
	sessions, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sessions); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return 0
	}

	fmt.Printf("%-36s  %-10s  %-8s  %-9s  %-19s  %s\n",
		"SESSION", "STATUS", "COST", "TASKS", "CREATED", "GOAL")
	for _, s := range sessions {
		tasks := fmt.Sprintf("%d/%d", s.Progress.Completed, s.Progress.Total)
		goal := s.Goal
		if len(goal) > 40 {
			goal = goal[:37] + "..."
		}
		fmt.Printf("%-36s  %-10s  $%-7.2f  %-9s  %-19s  %s\n",
			s.ID, s.Status, s.CostUSD, tasks,
			s.CreatedAt.Local().Format(time.DateTime), goal)
		if s.ErrorMessage != "" {
			fmt.Printf("%38s%s\n", "", s.ErrorMessage)
		}
	}
	return 0
}
