// Package sqlite is the audit.Store implementation backed by a single
// SQLite file via the pure-Go modernc.org/sqlite driver, so the whole
// history of runs, calls, and results ships as one portable file with no
// cgo dependency.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capsule-run/capsule/audit"
	"github.com/capsule-run/capsule/canon"
	"github.com/capsule-run/capsule/capsuleerr"
	"github.com/capsule-run/capsule/hashid"
	"github.com/capsule-run/capsule/schema"
)

const schemaVersion = 1

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	plan_hash TEXT NOT NULL,
	policy_hash TEXT NOT NULL,
	plan_json TEXT NOT NULL,
	policy_json TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'run',
	status TEXT NOT NULL DEFAULT 'pending',
	total_steps INTEGER NOT NULL DEFAULT 0,
	completed_steps INTEGER NOT NULL DEFAULT 0,
	denied_steps INTEGER NOT NULL DEFAULT 0,
	failed_steps INTEGER NOT NULL DEFAULT 0,
	parent_run_id TEXT
);

CREATE TABLE IF NOT EXISTS tool_calls (
	call_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	args_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS tool_results (
	call_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	output_json TEXT,
	error TEXT,
	policy_decision_json TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	output_hash TEXT NOT NULL,
	FOREIGN KEY (call_id) REFERENCES tool_calls(call_id),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_run_id ON tool_calls(run_id);
CREATE INDEX IF NOT EXISTS idx_tool_results_run_id ON tool_results(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Store is a *sql.DB-backed audit.Store. The zero value is not usable;
// construct with Open.
type Store struct {
	db *sql.DB
}

var _ audit.Store = (*Store)(nil)

// Open creates or attaches to the SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageConnection, err, "failed to open database")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite connections are not safely shared under concurrent writes
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageConnection, err, "failed to enable foreign keys")
	}
	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTablesSQL); err != nil {
		return capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to initialize schema")
	}
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", schemaVersion, nowISO())
	}
	if err != nil && err != sql.ErrNoRows {
		return capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to record schema version")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *Store) CreateRun(ctx context.Context, plan schema.Plan, policy schema.Policy, mode schema.RunMode, parentRunID string) (string, error) {
	runID := hashid.NewID()

	planJSON, err := canon.Marshal(plan)
	if err != nil {
		return "", capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to serialize plan")
	}
	policyJSON, err := canon.Marshal(policy)
	if err != nil {
		return "", capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to serialize policy")
	}

	var parentArg any
	if parentRunID != "" {
		parentArg = parentRunID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, created_at, plan_hash, policy_hash,
			plan_json, policy_json, mode, status, total_steps, parent_run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, nowISO(), hashid.HashOrEmpty(string(planJSON)), hashid.HashOrEmpty(string(policyJSON)),
		string(planJSON), string(policyJSON), string(mode), string(schema.RunStatusRunning), len(plan.Steps), parentArg,
	)
	if err != nil {
		return "", capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to create run")
	}
	return runID, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT run_id, created_at, completed_at, plan_hash, policy_hash, mode, status, total_steps, completed_steps, denied_steps, failed_steps, parent_run_id FROM runs WHERE run_id = ?", runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to read run")
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]schema.Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT run_id, created_at, completed_at, plan_hash, policy_hash, mode, status, total_steps, completed_steps, denied_steps, failed_steps, parent_run_id FROM runs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to list runs")
	}
	defer rows.Close()

	var runs []schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*schema.Run, error) {
	var (
		runID, createdAt, planHash, policyHash, mode, status string
		completedAt, parentRunID                             sql.NullString
		totalSteps, completedSteps, deniedSteps, failedSteps int
	)
	if err := r.Scan(&runID, &createdAt, &completedAt, &planHash, &policyHash, &mode, &status, &totalSteps, &completedSteps, &deniedSteps, &failedSteps, &parentRunID); err != nil {
		return nil, err
	}
	run := &schema.Run{
		RunID:          runID,
		CreatedAt:      parseTime(createdAt),
		PlanHash:       planHash,
		PolicyHash:     policyHash,
		Mode:           schema.RunMode(mode),
		Status:         schema.RunStatus(status),
		TotalSteps:     totalSteps,
		CompletedSteps: completedSteps,
		DeniedSteps:    deniedSteps,
		FailedSteps:    failedSteps,
		ParentRunID:    parentRunID.String,
	}
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	return run, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status schema.RunStatus, completedSteps, deniedSteps, failedSteps *int) error {
	sets := []string{"status = ?"}
	args := []any{string(status)}

	if status == schema.RunStatusCompleted || status == schema.RunStatusFailed {
		sets = append(sets, "completed_at = ?")
		args = append(args, nowISO())
	}
	if completedSteps != nil {
		sets = append(sets, "completed_steps = ?")
		args = append(args, *completedSteps)
	}
	if deniedSteps != nil {
		sets = append(sets, "denied_steps = ?")
		args = append(args, *deniedSteps)
	}
	if failedSteps != nil {
		sets = append(sets, "failed_steps = ?")
		args = append(args, *failedSteps)
	}
	args = append(args, runID)

	query := "UPDATE runs SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE run_id = ?"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to update run status")
	}
	return nil
}

func (s *Store) GetRunPlan(ctx context.Context, runID string) (*schema.Plan, error) {
	var planJSON string
	err := s.db.QueryRowContext(ctx, "SELECT plan_json FROM runs WHERE run_id = ?", runID).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to read plan")
	}
	var plan schema.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to parse stored plan")
	}
	return &plan, nil
}

func (s *Store) GetRunPolicy(ctx context.Context, runID string) (*schema.Policy, error) {
	var policyJSON string
	err := s.db.QueryRowContext(ctx, "SELECT policy_json FROM runs WHERE run_id = ?", runID).Scan(&policyJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to read policy")
	}
	var policy schema.Policy
	if err := json.Unmarshal([]byte(policyJSON), &policy); err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to parse stored policy")
	}
	return &policy, nil
}

// GetOriginalRunID walks parent_run_id links back to the earliest run in
// the lineage, the Go-native resolution of a lineage chain the reference
// implementation's own author left unimplemented.
func (s *Store) GetOriginalRunID(ctx context.Context, runID string) (string, error) {
	current := runID
	for {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, "SELECT parent_run_id FROM runs WHERE run_id = ?", current).Scan(&parent)
		if err == sql.ErrNoRows {
			return "", capsuleerr.New(capsuleerr.KindStorage, capsuleerr.CodeRunNotFound, "run not found: "+current)
		}
		if err != nil {
			return "", capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to walk run lineage")
		}
		if !parent.Valid || parent.String == "" {
			return current, nil
		}
		current = parent.String
	}
}

func (s *Store) RecordCall(ctx context.Context, runID string, stepIndex int, toolName string, args map[string]any) (string, error) {
	callID := hashid.NewID()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to serialize call args")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (call_id, run_id, step_index, tool_name, args_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		callID, runID, stepIndex, toolName, string(argsJSON), nowISO(),
	)
	if err != nil {
		return "", capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to record call")
	}
	return callID, nil
}

func (s *Store) GetCallsForRun(ctx context.Context, runID string) ([]schema.Call, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT call_id, run_id, step_index, tool_name, args_json, created_at FROM tool_calls WHERE run_id = ? ORDER BY step_index", runID)
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to list calls")
	}
	defer rows.Close()

	var calls []schema.Call
	for rows.Next() {
		var c schema.Call
		var argsJSON, createdAt string
		if err := rows.Scan(&c.CallID, &c.RunID, &c.StepIndex, &c.ToolName, &argsJSON, &createdAt); err != nil {
			return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to scan call")
		}
		if err := json.Unmarshal([]byte(argsJSON), &c.Args); err != nil {
			return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to parse call args")
		}
		c.CreatedAt = parseTime(createdAt)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *Store) RecordResult(ctx context.Context, callID, runID string, status schema.ToolCallStatus, output any, errMsg string, decision schema.PolicyDecision, startedAt, endedAt time.Time, inputData any) error {
	var outputJSON sql.NullString
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to serialize output")
		}
		outputJSON = sql.NullString{String: string(b), Valid: true}
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to serialize policy decision")
	}

	var errArg sql.NullString
	if errMsg != "" {
		errArg = sql.NullString{String: errMsg, Valid: true}
	}

	inputHash := hashid.HashOrEmpty(inputData)
	outputHash := hashid.HashOrEmpty(output)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_results (
			call_id, run_id, status, output_json, error,
			policy_decision_json, started_at, ended_at, input_hash, output_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		callID, runID, string(status), outputJSON, errArg, string(decisionJSON),
		startedAt.UTC().Format(time.RFC3339Nano), endedAt.UTC().Format(time.RFC3339Nano), inputHash, outputHash,
	)
	if err != nil {
		return capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageWrite, err, "failed to record result")
	}
	return nil
}

func (s *Store) GetResultsForRun(ctx context.Context, runID string) ([]schema.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tr.call_id, tr.run_id, tr.status, tr.output_json, tr.error, tr.policy_decision_json,
		       tr.started_at, tr.ended_at, tr.input_hash, tr.output_hash
		FROM tool_results tr
		JOIN tool_calls tc ON tr.call_id = tc.call_id
		WHERE tr.run_id = ?
		ORDER BY tc.step_index`, runID)
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to list results")
	}
	defer rows.Close()

	var results []schema.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to scan result")
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

func (s *Store) GetResultForCall(ctx context.Context, callID string) (*schema.Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, run_id, status, output_json, error, policy_decision_json,
		       started_at, ended_at, input_hash, output_hash
		FROM tool_results WHERE call_id = ?`, callID)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindStorage, capsuleerr.CodeStorageRead, err, "failed to read result")
	}
	return r, nil
}

func scanResult(r rowScanner) (*schema.Result, error) {
	var (
		callID, runID, status, decisionJSON, startedAt, endedAt, inputHash, outputHash string
		outputJSON, errMsg                                                             sql.NullString
	)
	if err := r.Scan(&callID, &runID, &status, &outputJSON, &errMsg, &decisionJSON, &startedAt, &endedAt, &inputHash, &outputHash); err != nil {
		return nil, err
	}
	var decision schema.PolicyDecision
	if err := json.Unmarshal([]byte(decisionJSON), &decision); err != nil {
		return nil, fmt.Errorf("parsing policy decision: %w", err)
	}
	var output any
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &output); err != nil {
			return nil, fmt.Errorf("parsing output: %w", err)
		}
	}
	return &schema.Result{
		CallID:         callID,
		RunID:          runID,
		Status:         schema.ToolCallStatus(status),
		Output:         output,
		Error:          errMsg.String,
		PolicyDecision: decision,
		StartedAt:      parseTime(startedAt),
		EndedAt:        parseTime(endedAt),
		InputHash:      inputHash,
		OutputHash:     outputHash,
	}, nil
}

func (s *Store) GetRunSummary(ctx context.Context, runID string) (*audit.RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	calls, err := s.GetCallsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := s.GetResultsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	byCall := make(map[string]schema.Result, len(results))
	for _, r := range results {
		byCall[r.CallID] = r
	}

	steps := make([]audit.StepSummary, 0, len(calls))
	for _, c := range calls {
		step := audit.StepSummary{StepIndex: c.StepIndex, Tool: c.ToolName, Args: c.Args, Status: "pending"}
		if res, ok := byCall[c.CallID]; ok {
			allowed := res.PolicyDecision.Allowed
			step.Status = string(res.Status)
			step.Output = res.Output
			step.Error = res.Error
			step.Allowed = &allowed
			step.PolicyReason = res.PolicyDecision.Reason
		}
		steps = append(steps, step)
	}

	return &audit.RunSummary{Run: *run, Steps: steps}, nil
}
