package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// profile knows how to talk to one coding-agent CLI in single-shot mode.
type profile struct {
	binary    string
	buildArgs func(cfg Config, payload string) []string
	parse     func(stdout []byte) (string, error)
}

var profiles = map[string]profile{
	"claude": {
		binary: "claude",
		buildArgs: func(cfg Config, payload string) []string {
			args := []string{"-p", payload, "--output-format", "json"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			if cfg.SystemPrompt != "" {
				args = append(args, "--system-prompt", cfg.SystemPrompt)
			}
			return args
		},
		parse: parseClaudeOutput,
	},
	"codex": {
		binary: "codex",
		buildArgs: func(cfg Config, payload string) []string {
			args := []string{"exec", payload, "--json"}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			return args
		},
		parse: parseCodexOutput,
	},
	"goose": {
		binary: "goose",
		buildArgs: func(cfg Config, payload string) []string {
			args := []string{"run", "--text", payload, "--output-format", "json", "--no-session"}
			if cfg.Provider != "" {
				args = append(args, "--provider", cfg.Provider)
			}
			if cfg.Model != "" {
				args = append(args, "--model", cfg.Model)
			}
			if cfg.SystemPrompt != "" {
				args = append(args, "--system", cfg.SystemPrompt)
			}
			return args
		},
		parse: parseGooseOutput,
	},
}

// CLI drives a coding-agent command line tool, one subprocess per request.
type CLI struct {
	kind    string
	command string
	cfg     Config
	profile profile
	procMgr *ProcessManager
}

// NewCLI creates a backend for one of the supported agent CLIs.
func NewCLI(cfg Config, pm *ProcessManager) (*CLI, error) {
	p, ok := profiles[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend kind: %q", cfg.Kind)
	}
	command := cfg.Command
	if command == "" {
		command = p.binary
	}
	return &CLI{
		kind:    cfg.Kind,
		command: command,
		cfg:     cfg,
		profile: p,
		procMgr: pm,
	}, nil
}

func (c *CLI) Kind() string { return c.kind }

// Args returns the argument vector used for payload.
func (c *CLI) Args(payload string) []string {
	return append(append([]string(nil), c.cfg.Args...), c.profile.buildArgs(c.cfg, payload)...)
}

// Execute runs the CLI once and extracts the agent's final text.
func (c *CLI) Execute(ctx context.Context, req Request) (Response, error) {
	inv := Invocation{
		Name: c.command,
		Args: c.Args(req.Payload),
		Dir:  firstNonEmpty(req.WorkDir, c.cfg.WorkDir),
		Env:  req.Env,
	}

	start := time.Now()
	out, err := Run(ctx, inv, c.procMgr)
	resp := Response{
		ExitCode: out.ExitCode,
		Duration: time.Since(start),
	}
	if err != nil {
		resp.Output = string(out.Stdout)
		return resp, fmt.Errorf("%s command failed: %w", c.kind, err)
	}

	text, err := c.profile.parse(out.Stdout)
	if err != nil {
		resp.Output = string(out.Stdout)
		return resp, fmt.Errorf("failed to parse %s output: %w", c.kind, err)
	}
	resp.Output = text
	return resp, nil
}

// parseClaudeOutput extracts the text items from
// {"result": {"content": [{"type": "text", "text": "..."}]}}. A plain string
// result is accepted as well.
func parseClaudeOutput(data []byte) (string, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var plain string
	if err := json.Unmarshal(envelope.Result, &plain); err == nil {
		return plain, nil
	}

	var structured struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(envelope.Result, &structured); err != nil {
		return "", fmt.Errorf("unexpected result shape: %w", err)
	}

	var sb strings.Builder
	for _, item := range structured.Content {
		if item.Type == "text" {
			sb.WriteString(item.Text)
		}
	}
	return sb.String(), nil
}

// parseCodexOutput reads the NDJSON event stream and keeps the content of
// the last TurnCompleted event.
func parseCodexOutput(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var content string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var evt struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(line, &evt); err != nil {
			return "", fmt.Errorf("failed to parse event: %w", err)
		}
		if evt.Type == "TurnCompleted" {
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading events: %w", err)
	}
	return content, nil
}

// parseGooseOutput accepts a single {"content": "..."} object or a stream of
// them, one per line.
func parseGooseOutput(data []byte) (string, error) {
	type gooseMessage struct {
		Content string `json:"content"`
	}

	var single gooseMessage
	if err := json.Unmarshal(data, &single); err == nil {
		return single.Content, nil
	}

	var parts []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg gooseMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no goose messages in output")
	}
	return strings.Join(parts, "\n"), nil
}
