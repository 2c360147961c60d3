// Command capsule runs, replays, and verifies capsule runs from the
// command line: static plans against a policy document, or a dynamic
// agent-loop session bounded by the same policy.
//
// Usage:
//
//	capsule run    -plan plan.yaml -policy policy.yaml -db capsule.db
//	capsule agent  -task "..." -policy policy.yaml -db capsule.db
//	capsule replay -run-id <id> -db capsule.db
//	capsule verify -run-id <id> -db capsule.db
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/capsule-run/capsule/agentloop"
	"github.com/capsule-run/capsule/audit/sqlite"
	"github.com/capsule-run/capsule/config"
	"github.com/capsule-run/capsule/engine"
	"github.com/capsule-run/capsule/policy"
	"github.com/capsule-run/capsule/proposer/static"
	"github.com/capsule-run/capsule/replay"
	"github.com/capsule-run/capsule/tool"
	"github.com/capsule-run/capsule/tool/builtin"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "agent":
		err = agentCommand(os.Args[2:])
	case "replay":
		err = replayCommand(os.Args[2:])
	case "verify":
		err = verifyCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: capsule <run|agent|replay|verify> [flags]")
}

func newRegistry() *tool.Registry {
	reg := tool.NewRegistry()
	reg.Register(builtin.FsRead{})
	reg.Register(builtin.FsWrite{})
	reg.Register(builtin.NewHttpGet())
	reg.Register(builtin.ShellRun{})
	return reg
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to plan YAML")
	policyPath := fs.String("policy", "", "path to policy YAML")
	dbPath := fs.String("db", "capsule.db", "path to the audit database")
	failFast := fs.Bool("fail-fast", true, "stop at the first denied or failed step")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" || *policyPath == "" {
		return fmt.Errorf("run: -plan and -policy are required")
	}

	plan, err := config.LoadPlan(*planPath)
	if err != nil {
		return err
	}
	pol, err := config.LoadPolicy(*policyPath)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	eng := engine.New(store, newRegistry(), engine.WithWorkingDir(pol.Boundary))
	result, err := eng.Run(context.Background(), *plan, *pol, *failFast)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	slog.Info("run finished", "status", result.Status, "completed", result.CompletedSteps,
		"denied", result.DeniedSteps, "failed", result.FailedSteps)
	if !result.Success() {
		os.Exit(1)
	}
	return nil
}

func agentCommand(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	task := fs.String("task", "", "task description for the agent loop")
	policyPath := fs.String("policy", "", "path to policy YAML")
	dbPath := fs.String("db", "capsule.db", "path to the audit database")
	planPath := fs.String("plan", "", "optional static plan to drive the loop instead of a live proposer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *task == "" || *policyPath == "" {
		return fmt.Errorf("agent: -task and -policy are required")
	}
	if *planPath == "" {
		return fmt.Errorf("agent: -plan is required (no live proposer backend is wired into this binary)")
	}

	plan, err := config.LoadPlan(*planPath)
	if err != nil {
		return err
	}
	pol, err := config.LoadPolicy(*policyPath)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	policyEngine := policy.New(*pol)
	registry := newRegistry()
	prop := static.New(*plan)
	loop := agentloop.New(prop, policyEngine, registry, store, agentloop.DefaultConfig())

	result, err := loop.Run(context.Background(), *task, pol.Boundary)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	slog.Info("agent loop finished", "run_id", result.RunID, "status", result.Status,
		"iterations", len(result.Iterations))
	if result.Status == agentloop.StatusError {
		os.Exit(1)
	}
	return nil
}

func replayCommand(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	runID := fs.String("run-id", "", "run id to replay")
	dbPath := fs.String("db", "capsule.db", "path to the audit database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("replay: -run-id is required")
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	eng := replay.New(store)
	result, err := eng.Replay(context.Background(), *runID, nil, nil)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	slog.Info("replay finished", "replay_run_id", result.ReplayRunID, "status", result.Status,
		"mismatches", len(result.Mismatches))
	if !result.Success() {
		os.Exit(1)
	}
	return nil
}

func verifyCommand(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	runID := fs.String("run-id", "", "run id to verify")
	dbPath := fs.String("db", "capsule.db", "path to the audit database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("verify: -run-id is required")
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	eng := replay.New(store)
	report, err := eng.VerifyRun(context.Background(), *runID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if report.Valid {
		slog.Info("run verified", "run_id", *runID)
		return nil
	}

	slog.Error("run verification failed", "run_id", *runID, "errors", report.Errors)
	os.Exit(1)
	return nil
}
