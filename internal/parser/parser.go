// Package parser reads the two on-disk definition formats: YAML project
// definition files submitted via the CLI, and the JSON tools file that
// mirrors the tool catalog for external editing.
package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/executor"
)

// ProjectDefinition is the YAML shape of a project definition file.
//
//	name: summarize reports
//	tool: Summarize
//	file_paths:
//	  - /data/reports/q1.txt
//	  - /data/reports/q2.txt
type ProjectDefinition struct {
	Name      string   `yaml:"name"`
	Tool      string   `yaml:"tool"`
	FilePaths []string `yaml:"file_paths"`
}

// ParseProjectFile reads and validates a YAML project definition
func ParseProjectFile(path string) (*ProjectDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProjectDefinition(data)
}

// ParseProjectDefinition parses YAML bytes into a project definition
func ParseProjectDefinition(data []byte) (*ProjectDefinition, error) {
	var def ProjectDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing project definition: %w", err)
	}

	def.Name = strings.TrimSpace(def.Name)
	def.Tool = strings.TrimSpace(def.Tool)
	if def.Name == "" {
		return nil, fmt.Errorf("project definition: name is required")
	}
	if def.Tool == "" {
		return nil, fmt.Errorf("project definition: tool is required")
	}
	if len(def.FilePaths) == 0 {
		return nil, fmt.Errorf("project definition: file_paths must not be empty")
	}
	for i, p := range def.FilePaths {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("project definition: file_paths[%d] is empty", i)
		}
	}
	return &def, nil
}

// toolRecord is the JSON shape of one entry in the tools file. The
// timestamps are optional so a hand-edited file stays valid.
type toolRecord struct {
	ID              string     `json:"id,omitempty"`
	Name            string     `json:"name"`
	CommandTemplate string     `json:"command_template"`
	Active          *bool      `json:"active,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// ParseToolsFile reads a JSON tools file into domain tools. Records
// without an ID or timestamps get fresh ones; Active defaults to true.
func ParseToolsFile(path string) ([]*domain.AITool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTools(data)
}

// ParseTools parses JSON bytes into domain tools
func ParseTools(data []byte) ([]*domain.AITool, error) {
	var records []toolRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing tools file: %w", err)
	}

	tools := make([]*domain.AITool, 0, len(records))
	for i, rec := range records {
		tool, err := domain.NewTool(rec.Name, rec.CommandTemplate)
		if err != nil {
			return nil, fmt.Errorf("tools file entry %d (%q): %w", i, rec.Name, err)
		}
		// Templates the executor would refuse never enter the catalog
		if _, err := executor.ParseTemplate(tool.CommandTemplate); err != nil {
			return nil, fmt.Errorf("tools file entry %d (%q): %w", i, rec.Name, err)
		}
		if rec.ID != "" {
			tool.ID = rec.ID
		}
		if rec.Active != nil {
			tool.Active = *rec.Active
		}
		if rec.CreatedAt != nil {
			tool.CreatedAt = *rec.CreatedAt
		}
		if rec.UpdatedAt != nil {
			tool.UpdatedAt = *rec.UpdatedAt
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// WriteToolsFile renders tools back to the JSON file format, keeping
// the file in sync with the catalog for external consumers.
func WriteToolsFile(path string, tools []*domain.AITool) error {
	records := make([]toolRecord, 0, len(tools))
	for _, t := range tools {
		active := t.Active
		created := t.CreatedAt
		updated := t.UpdatedAt
		records = append(records, toolRecord{
			ID:              t.ID,
			Name:            t.Name,
			CommandTemplate: t.CommandTemplate,
			Active:          &active,
			CreatedAt:       &created,
			UpdatedAt:       &updated,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
