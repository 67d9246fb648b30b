package config

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

// WorkflowsFile represents the top-level structure of the workflow policy
// file. Each workflow scopes a set of build streams to a digest channel and
// schedule.
//
// Example YAML structure:
//
//	schema_version: v1
//	workflows:
//	  - id: release-main
//	    channel: "#build-health"
//	    digest_schedule: "0 9 * * MON-FRI"
//	    streams: [main, release-1.4]
type WorkflowsFile struct {
	// SchemaVersion is the explicit config schema version (e.g., "v1")
	SchemaVersion string `yaml:"schema_version"`

	// Workflows is the list of workflow policies
	Workflows []WorkflowConfig `yaml:"workflows"`
}

// WorkflowConfig represents a single workflow policy.
type WorkflowConfig struct {
	// ID is the unique workflow identifier
	ID string `yaml:"id"`

	// Channel is the notification channel for this workflow's digests
	Channel string `yaml:"channel"`

	// DigestSchedule is a cron expression for when the open-issues digest
	// is posted. Empty disables digests for this workflow.
	DigestSchedule string `yaml:"digest_schedule"`

	// Streams is the set of build stream IDs covered by this workflow
	Streams []string `yaml:"streams"`

	// DefaultOwner overrides suspect-based owner election when set
	DefaultOwner string `yaml:"default_owner"`
}

// LoadWorkflowsFile reads and validates the workflow policy file at path.
func LoadWorkflowsFile(path string) (*WorkflowsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow config %s: %w", path, err)
	}

	var f WorkflowsFile
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workflow config %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that the WorkflowsFile is valid.
// Returns descriptive errors for validation failures.
func (f *WorkflowsFile) Validate() error {
	if f.SchemaVersion != "v1" {
		return NewConfigError(fmt.Sprintf(
			"unsupported schema_version: %q (expected \"v1\")",
			f.SchemaVersion,
		))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	seenIDs := make(map[string]bool)

	for i, wf := range f.Workflows {
		if wf.ID == "" {
			return NewConfigError(fmt.Sprintf(
				"workflow[%d]: id is required",
				i,
			))
		}

		if seenIDs[wf.ID] {
			return NewConfigError(fmt.Sprintf(
				"workflow[%d]: duplicate workflow id %q",
				i, wf.ID,
			))
		}
		seenIDs[wf.ID] = true

		if wf.DigestSchedule != "" {
			if _, err := parser.Parse(wf.DigestSchedule); err != nil {
				return NewConfigError(fmt.Sprintf(
					"workflow[%d] (%s): invalid digest_schedule %q: %v",
					i, wf.ID, wf.DigestSchedule, err,
				))
			}
			if wf.Channel == "" {
				return NewConfigError(fmt.Sprintf(
					"workflow[%d] (%s): channel is required when digest_schedule is set",
					i, wf.ID,
				))
			}
		}
	}

	return nil
}

// WorkflowForStream returns the first workflow covering the given stream,
// or nil when none does.
func (f *WorkflowsFile) WorkflowForStream(streamID string) *WorkflowConfig {
	if f == nil {
		return nil
	}
	for i := range f.Workflows {
		for _, s := range f.Workflows[i].Streams {
			if s == streamID {
				return &f.Workflows[i]
			}
		}
	}
	return nil
}
