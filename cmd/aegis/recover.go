package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/aegis/internal/checkpoint"
	"github.com/basket/aegis/internal/config"
	"github.com/basket/aegis/internal/recovery"
	"github.com/basket/aegis/internal/session"
)

func runRecoverCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	apply := fs.Bool("apply", false, "act on the recommendation instead of printing it")
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
	checkpoints, err := checkpoint.NewManager(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening checkpoint store: %v\n", err)
		return 1
	}

	var sessions []*session.Session
	if rest := fs.Args(); len(rest) > 0 {
		s, err := store.Load(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading session %s: %v\n", rest[0], err)
			return 1
		}
		sessions = []*session.Session{s}
	} else {
		sessions, err = store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
			return 1
		}
	}

	diagnoser := recovery.NewDiagnoser(cfg.StaleHeartbeatThreshold())
	exitCode := 0
	for _, s := range sessions {
		latest := ""
		if infos, err := checkpoints.List(s.ID); err == nil && len(infos) > 0 {
			latest = infos[len(infos)-1].CheckpointID
		}
		rec := diagnoser.Diagnose(s, latest)
		if rec.Action == recovery.ActionNone {
			continue
		}

		fmt.Printf("%s (%s): %s — %s\n", s.ID, s.Status, rec.Action, rec.Reason)
		if !*apply {
			continue
		}

		switch rec.Action {
		case recovery.ActionRollback:
			restored, tasks, _, err := checkpoints.Rollback(s.ID, rec.CheckpointID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  rollback to %s failed: %v\n", rec.CheckpointID, err)
				exitCode = 1
				continue
			}
			if err := store.Save(restored); err != nil {
				fmt.Fprintf(os.Stderr, "  save restored session failed: %v\n", err)
				exitCode = 1
				continue
			}
			if err := store.SavePlan(s.ID, tasks); err != nil {
				fmt.Fprintf(os.Stderr, "  save restored plan failed: %v\n", err)
				exitCode = 1
				continue
			}
			fmt.Printf("  rolled back to %s\n", rec.CheckpointID)
		case recovery.ActionAbort:
			s.ErrorMessage = rec.Reason
			if err := s.Transition(session.StatusFailed, time.Now().UTC()); err != nil {
				fmt.Fprintf(os.Stderr, "  abort failed: %v\n", err)
				exitCode = 1
				continue
			}
			if err := store.Save(s); err != nil {
				fmt.Fprintf(os.Stderr, "  save aborted session failed: %v\n", err)
				exitCode = 1
				continue
			}
			fmt.Println("  aborted")
		case recovery.ActionResume, recovery.ActionRetry:
			// Resumption re-enters the execution loop; that happens through
			// a fresh run against the persisted plan, not in this command.
			fmt.Printf("  re-run the plan to %s this session\n", rec.Action)
		}
	}
	return exitCode
}
