package backend

import (
	"context"
	"fmt"
	"time"
)

// Shell runs a fixed command per request and pipes the payload to its
// stdin. The task id is exported as TASKFORGE_TASK_ID.
type Shell struct {
	command string
	args    []string
	workDir string
	procMgr *ProcessManager
}

// NewShell creates a shell backend.
func NewShell(cfg Config, pm *ProcessManager) (*Shell, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("shell backend requires a command")
	}
	return &Shell{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
		procMgr: pm,
	}, nil
}

func (s *Shell) Kind() string { return "shell" }

// Execute runs the command once for req.
func (s *Shell) Execute(ctx context.Context, req Request) (Response, error) {
	inv := Invocation{
		Name:  s.command,
		Args:  s.args,
		Dir:   firstNonEmpty(req.WorkDir, s.workDir),
		Env:   append([]string{"TASKFORGE_TASK_ID=" + req.TaskID}, req.Env...),
		Stdin: req.Payload,
	}

	start := time.Now()
	out, err := Run(ctx, inv, s.procMgr)
	resp := Response{
		Output:   string(out.Stdout),
		ExitCode: out.ExitCode,
		Duration: time.Since(start),
	}
	if err != nil {
		return resp, fmt.Errorf("%s: %w", s.command, err)
	}
	return resp, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
