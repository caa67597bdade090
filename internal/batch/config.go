package batch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ScheduleEntry is one recurring project submission: every time the
// cron expression fires, a fresh project applying the named tool to the
// listed paths is created and submitted.
type ScheduleEntry struct {
	Name      string   `toml:"name"`
	Cron      string   `toml:"cron"`
	Tool      string   `toml:"tool"`
	FilePaths []string `toml:"file_paths"`
}

// ScheduleConfig holds all schedule entries
type ScheduleConfig struct {
	Schedules []ScheduleEntry `toml:"schedule"`
}

// Validate checks if the entry is valid
func (e *ScheduleEntry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.Tool == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(e.FilePaths) == 0 {
		return fmt.Errorf("file_paths must not be empty")
	}
	return nil
}

// LoadScheduleConfig loads schedule entries from a TOML file
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Schedules {
		if err := cfg.Schedules[i].Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
	}

	return &cfg, nil
}
