package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Placeholder is the token in a command template that is replaced by the
// target file path at execution time. It must appear exactly once and as
// its own argument.
const Placeholder = "{file}"

// AITool is a reusable command template a project applies to its files.
// Tools are created and edited by the front-end collaborator; the core
// treats them as read-only configuration.
type AITool struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CommandTemplate string    `json:"command_template"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewTool creates an active tool with a fresh ID
func NewTool(name, commandTemplate string) (*AITool, error) {
	tool := &AITool{
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(name),
		CommandTemplate: strings.TrimSpace(commandTemplate),
		Active:          true,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := tool.Validate(); err != nil {
		return nil, err
	}
	return tool, nil
}

// Validate checks the fields the core depends on. Template syntax is
// validated separately by the executor before first use.
func (t *AITool) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Reason: "tool name must not be empty"}
	}
	if t.CommandTemplate == "" {
		return &ValidationError{Field: "command_template", Reason: "command template must not be empty"}
	}
	if !strings.Contains(t.CommandTemplate, Placeholder) {
		return &ValidationError{Field: "command_template", Reason: "command template must contain the " + Placeholder + " placeholder"}
	}
	return nil
}
