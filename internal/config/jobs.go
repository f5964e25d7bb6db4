package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rvail/pgarc/internal/model"
)

// JobDef is one named job definition from the jobs file. Submitting a job by
// name fills the request from its definition.
type JobDef struct {
	Name       string   `yaml:"name"`
	SourceKind string   `yaml:"source"`
	DSN        string   `yaml:"dsn,omitempty"`
	Paths      []string `yaml:"paths,omitempty"`
	Include    []string `yaml:"include,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`
	TimeoutS   int      `yaml:"timeout_s,omitempty"`
	FailFast   *bool    `yaml:"fail_fast,omitempty"`
	Compress   int      `yaml:"compress,omitempty"` // gzip level, 0 means default
}

// JobsFile is the top-level structure of the YAML job definitions file.
type JobsFile struct {
	Jobs []JobDef `yaml:"jobs"`
}

// LoadJobs reads and validates the YAML job definitions at path. It returns
// the definitions keyed by name.
func LoadJobs(path string) (map[string]JobDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file %s: %w", path, err)
	}

	var f JobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}

	defs := make(map[string]JobDef, len(f.Jobs))
	for i, def := range f.Jobs {
		if err := validateJobDef(def); err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("jobs[%d]: duplicate job name %q", i, def.Name)
		}
		defs[def.Name] = def
	}

	return defs, nil
}

func validateJobDef(def JobDef) error {
	if def.Name == "" {
		return fmt.Errorf("job name is required")
	}
	switch def.SourceKind {
	case model.SourcePostgres:
		if def.DSN == "" {
			return fmt.Errorf("job %q: postgres source requires a dsn", def.Name)
		}
	case model.SourceFiles:
		if len(def.Paths) == 0 {
			return fmt.Errorf("job %q: files source requires at least one path", def.Name)
		}
	default:
		return fmt.Errorf("job %q: unknown source kind %q", def.Name, def.SourceKind)
	}
	if def.TimeoutS < 0 {
		return fmt.Errorf("job %q: timeout_s must not be negative", def.Name)
	}
	if def.Compress < 0 || def.Compress > 9 {
		return fmt.Errorf("job %q: compress must be between 0 and 9", def.Name)
	}
	return nil
}
