package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/basket/aegis/internal/approval"
	"github.com/basket/aegis/internal/config"
	"github.com/basket/aegis/internal/tui"
)

func runApprovalsCommand(_ context.Context, _ []string) int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "approvals: requires an interactive terminal")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	queue, err := approval.NewQueue(approval.Config{
		Capacity:    cfg.Approval.Capacity,
		PersistPath: filepath.Join(cfg.HomeDir, "approvals.json"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening approval queue: %v\n", err)
		return 1
	}
	defer queue.Close()

	decidedBy := "console"
	if u, err := user.Current(); err == nil && u.Username != "" {
		decidedBy = u.Username
	}

	program := tea.NewProgram(tui.NewApprovalsModel(queue, decidedBy))
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running approvals console: %v\n", err)
		return 1
	}
	return 0
}
