package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/parser"
	"github.com/aimanhq/aiman/web/api"
)

// runSubmit sends a project definition to a running engine over its
// HTTP API, so execution happens in the serve process rather than here.
func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	def, err := parser.ParseProjectFile(args[0])
	if err != nil {
		return err
	}

	host := submitHost
	if host == "" {
		host = fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	}
	client := &engineClient{baseURL: "http://" + host, http: &http.Client{Timeout: 10 * time.Second}}

	tool, err := client.findTool(def.Tool)
	if err != nil {
		return err
	}

	project, err := client.createProject(api.CreateProjectRequest{
		Name:      def.Name,
		ToolID:    tool.ID,
		FilePaths: def.FilePaths,
	})
	if err != nil {
		return err
	}

	if err := client.submitProject(project.ID); err != nil {
		return err
	}

	fmt.Printf("Submitted project %s (%d files) to %s\n", project.ID, len(def.FilePaths), host)
	return nil
}

type engineClient struct {
	baseURL string
	http    *http.Client
}

func (c *engineClient) findTool(name string) (*domain.AITool, error) {
	var tools []*domain.AITool
	if err := c.get("/api/tools", &tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name && t.Active {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no active tool named %q on the engine", name)
}

func (c *engineClient) createProject(req api.CreateProjectRequest) (*api.ProjectResponse, error) {
	var resp api.ProjectResponse
	if err := c.post("/api/projects", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *engineClient) submitProject(id string) error {
	return c.post("/api/projects/"+id+"/submit", nil, nil)
}

func (c *engineClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *engineClient) post(path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("engine returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
