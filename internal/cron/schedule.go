package cron

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxPromptLen = 10_000

// Entry is one scheduled job from the schedule file.
type Entry struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Prompt  string `yaml:"prompt"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	Notify  bool   `yaml:"notify,omitempty"`
}

// IsEnabled reports whether the entry should be scheduled; Enabled
// defaults to true when unset.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

type scheduleFile struct {
	Schedules []Entry `yaml:"schedules"`
}

// LoadSchedules reads and validates the schedule file at path. A missing
// file is not an error: it is treated as zero schedules, since a fresh
// working directory has no cron.yaml yet.
func LoadSchedules(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: reading %s: %w", path, err)
	}

	var sf scheduleFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("cron: parsing %s: %w", path, err)
	}

	for i, entry := range sf.Schedules {
		if strings.TrimSpace(entry.Name) == "" {
			return nil, fmt.Errorf("cron: schedule %d: name is required", i)
		}
		if strings.TrimSpace(entry.Cron) == "" {
			return nil, fmt.Errorf("cron: schedule %q: cron is required", entry.Name)
		}
		if strings.TrimSpace(entry.Prompt) == "" {
			return nil, fmt.Errorf("cron: schedule %q: prompt is required", entry.Name)
		}
		if len(entry.Prompt) > maxPromptLen {
			return nil, fmt.Errorf("cron: schedule %q: prompt exceeds %d characters", entry.Name, maxPromptLen)
		}
		if _, err := Parse(entry.Cron); err != nil {
			return nil, fmt.Errorf("cron: schedule %q: %w", entry.Name, err)
		}
	}

	return sf.Schedules, nil
}
