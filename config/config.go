// Package config loads the Policy and Plan documents that drive a run
// from YAML manifests, applying defaults and surface-level validation
// before the immutable schema.Policy/schema.Plan values enter the rest of
// the system.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/capsule-run/capsule/capsuleerr"
	"github.com/capsule-run/capsule/schema"
)

const (
	defaultGlobalTimeoutSeconds = 300.0
	defaultMaxCallsPerTool      = 50
	defaultHttpTimeoutSeconds   = 30.0
	defaultHttpMaxResponseBytes = 10 * 1024 * 1024
	defaultShellTimeoutSeconds  = 30.0
	defaultShellMaxOutputBytes  = 1024 * 1024
	defaultFsMaxSizeBytes       = 10 * 1024 * 1024
)

// LoadPolicy reads and parses a policy document at path, applying
// defaults for any omitted numeric field and rejecting a document with no
// recognizable boundary.
func LoadPolicy(path string) (*schema.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindConfig, capsuleerr.CodeConfigRead, err,
			fmt.Sprintf("reading policy file %s", path))
	}

	var p schema.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindConfig, capsuleerr.CodeConfigParse, err,
			fmt.Sprintf("parsing policy YAML %s", path))
	}

	applyPolicyDefaults(&p)

	if err := ValidatePolicy(&p); err != nil {
		return nil, err
	}

	return &p, nil
}

// ValidatePolicy checks a parsed Policy for internal consistency.
func ValidatePolicy(p *schema.Policy) error {
	if p.Boundary == "" {
		return capsuleerr.New(capsuleerr.KindConfig, capsuleerr.CodeConfigInvalid,
			"policy must declare a boundary (working directory root)")
	}
	if p.GlobalTimeoutSeconds <= 0 {
		return capsuleerr.New(capsuleerr.KindConfig, capsuleerr.CodeConfigInvalid,
			"global_timeout_seconds must be positive")
	}
	if p.MaxCallsPerTool < 0 {
		return capsuleerr.New(capsuleerr.KindConfig, capsuleerr.CodeConfigInvalid,
			"max_calls_per_tool must not be negative")
	}
	return nil
}

func applyPolicyDefaults(p *schema.Policy) {
	if p.GlobalTimeoutSeconds == 0 {
		p.GlobalTimeoutSeconds = defaultGlobalTimeoutSeconds
	}
	if p.MaxCallsPerTool == 0 {
		p.MaxCallsPerTool = defaultMaxCallsPerTool
	}
	if p.Tools.HttpGet.TimeoutSeconds == 0 {
		p.Tools.HttpGet.TimeoutSeconds = defaultHttpTimeoutSeconds
	}
	if p.Tools.HttpGet.MaxResponseBytes == 0 {
		p.Tools.HttpGet.MaxResponseBytes = defaultHttpMaxResponseBytes
	}
	if p.Tools.ShellRun.TimeoutSeconds == 0 {
		p.Tools.ShellRun.TimeoutSeconds = defaultShellTimeoutSeconds
	}
	if p.Tools.ShellRun.MaxOutputBytes == 0 {
		p.Tools.ShellRun.MaxOutputBytes = defaultShellMaxOutputBytes
	}
	if p.Tools.FsWrite.MaxSizeBytes == 0 {
		p.Tools.FsWrite.MaxSizeBytes = defaultFsMaxSizeBytes
	}
}

// LoadPlan reads and parses a plan document at path.
func LoadPlan(path string) (*schema.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindConfig, capsuleerr.CodeConfigRead, err,
			fmt.Sprintf("reading plan file %s", path))
	}

	var plan schema.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, capsuleerr.Wrap(capsuleerr.KindConfig, capsuleerr.CodeConfigParse, err,
			fmt.Sprintf("parsing plan YAML %s", path))
	}

	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}

	return &plan, nil
}

// ValidatePlan checks a parsed Plan for the invariants the engine assumes:
// a non-empty step list, and every step naming a tool.
func ValidatePlan(plan *schema.Plan) error {
	if len(plan.Steps) == 0 {
		return capsuleerr.New(capsuleerr.KindPlanValidation, capsuleerr.CodePlanEmpty,
			"plan must contain at least one step")
	}
	for i, step := range plan.Steps {
		if step.Tool == "" {
			return capsuleerr.Newf(capsuleerr.KindPlanValidation, capsuleerr.CodeStepInvalid,
				"step %d: tool name is required", i)
		}
	}
	return nil
}
