package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/paidr/internal/research/errs"
)

// AgentRequest is what the orchestrator hands a research agent.
type AgentRequest struct {
	RunID         string `json:"run_id"`
	Stage         string `json:"stage"`
	RunRoot       string `json:"run_root"`
	PerspectiveID string `json:"perspective_id"`
	AgentType     string `json:"agent_type"`
	PromptMD      string `json:"prompt_md"`
	OutputMD      string `json:"output_md"`
}

// AgentResponse is the driver's reply. Empty markdown or a non-nil error
// means the agent failed.
type AgentResponse struct {
	Markdown   string      `json:"markdown"`
	AgentRunID string      `json:"agent_run_id,omitempty"`
	StartedAt  string      `json:"started_at,omitempty"`
	FinishedAt string      `json:"finished_at,omitempty"`
	Error      *AgentError `json:"error,omitempty"`
}

type AgentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentDriver produces one perspective's markdown output.
type AgentDriver interface {
	RunAgent(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// ScriptedAgentDriver replays canned outputs keyed by perspective id. Each
// perspective holds a queue: successive calls pop successive outputs, the
// last one repeating. Used by tests and dry-run seeding.
type ScriptedAgentDriver struct {
	mu      sync.Mutex
	outputs map[string][]string
	calls   map[string]int
}

// NewScriptedAgentDriver builds a driver from perspective id -> output
// sequence.
func NewScriptedAgentDriver(outputs map[string][]string) *ScriptedAgentDriver {
	copied := make(map[string][]string, len(outputs))
	for id, seq := range outputs {
		copied[id] = append([]string(nil), seq...)
	}
	return &ScriptedAgentDriver{outputs: copied, calls: map[string]int{}}
}

func (d *ScriptedAgentDriver) RunAgent(_ context.Context, req AgentRequest) (AgentResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.outputs[req.PerspectiveID]
	if len(seq) == 0 {
		return AgentResponse{}, errs.New(errs.RunAgentFailed, "no scripted output for %s", req.PerspectiveID).
			WithDetail("perspective_id", req.PerspectiveID)
	}
	call := d.calls[req.PerspectiveID]
	d.calls[req.PerspectiveID] = call + 1
	if call >= len(seq) {
		call = len(seq) - 1
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return AgentResponse{
		Markdown:   seq[call],
		AgentRunID: "agent_" + ulid.Make().String(),
		StartedAt:  now,
		FinishedAt: now,
	}, nil
}

// Calls reports how many times a perspective's agent ran.
func (d *ScriptedAgentDriver) Calls(perspectiveID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[perspectiveID]
}

/// CommandAgentDriver shells out to an executable: the request JSON goes to
// stdin, the response JSON is read from stdout.
type CommandAgentDriver struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (d *CommandAgentDriver) RunAgent(ctx context.Context, req AgentRequest) (AgentResponse, error) {
	if d.Command == "" {
		return AgentResponse{}, errs.New(errs.InvalidArgs, "agent command not configured")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return AgentResponse{}, errs.Wrap(errs.InvalidJSON, err, "encode agent request")
	}
	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return AgentResponse{}, errs.Wrap(errs.RunAgentFailed, err, "agent command for %s", req.PerspectiveID).
			WithDetail("perspective_id", req.PerspectiveID).
			WithDetail("stderr", stderr.String())
	}
	var resp AgentResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return AgentResponse{}, errs.Wrap(errs.UpstreamInvalidJSON, err, "agent response for %s", req.PerspectiveID).
			WithDetail("perspective_id", req.PerspectiveID)
	}
	return resp, nil
}
