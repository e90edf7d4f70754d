package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

// WorkflowConfig selects the GitHub Actions workflow to dispatch
type WorkflowConfig struct {
	APIURL   string
	Repo     string
	Workflow string
	Ref      string
	Token    string
	Inputs   map[string]string
	// Confirm asks the fan-out to mail the raw trigger response
	Confirm bool
}

// WorkflowSink triggers a workflow_dispatch event. The workflow itself
// decides what to do; the notification body is not sent.
type WorkflowSink struct {
	cfg    WorkflowConfig
	client *http.Client
}

func NewWorkflowSink(ctx context.Context, cfg WorkflowConfig) (*WorkflowSink, error) {
	if cfg.Repo == "" || cfg.Workflow == "" || cfg.Token == "" {
		return nil, fmt.Errorf("workflow repo, workflow and token are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	return &WorkflowSink{cfg: cfg, client: client}, nil
}

func (s *WorkflowSink) Name() string      { return "workflow" }
func (s *WorkflowSink) Transport() string { return "github" }

func (s *WorkflowSink) Send(ctx context.Context, n sync.Notification) (*sync.SinkResult, error) {
	payload := map[string]interface{}{"ref": s.cfg.Ref}
	if len(s.cfg.Inputs) > 0 {
		payload["inputs"] = s.cfg.Inputs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches",
		strings.TrimRight(s.cfg.APIURL, "/"), s.cfg.Repo, s.cfg.Workflow)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch workflow: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	response := resp.Status
	if len(raw) > 0 {
		response += "\n" + string(raw)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch workflow %s: %s", s.cfg.Workflow, response)
	}
	return &sync.SinkResult{Response: response}, nil
}

// Confirmation reports a successful trigger with GitHub's raw answer
func (s *WorkflowSink) Confirmation(res *sync.SinkResult) (string, string, bool) {
	if !s.cfg.Confirm || res == nil {
		return "", "", false
	}
	subject := fmt.Sprintf("Workflow %s triggered on %s", s.cfg.Workflow, s.cfg.Repo)
	body := fmt.Sprintf("GitHub accepted the dispatch of %s (ref %s).\n\nResponse:\n%s\n",
		s.cfg.Workflow, s.cfg.Ref, res.Response)
	return subject, body, true
}
