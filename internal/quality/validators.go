package quality

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/config"
)

type base struct {
	id       string
	blocking bool
}

func (b base) ID() string     { return b.id }
func (b base) Blocking() bool { return b.blocking }

func (b base) fail(severity Severity, format string, args ...any) Outcome {
	return Outcome{
		Passed:   false,
		Findings: []Finding{{ValidatorID: b.id, Severity: severity, Message: fmt.Sprintf(format, args...)}},
	}
}

// NonEmpty fails artifacts that are empty or whitespace only.
type NonEmpty struct{ base }

func NewNonEmpty(id string, blocking bool) *NonEmpty {
	return &NonEmpty{base{id, blocking}}
}

func (v *NonEmpty) Evaluate(_ context.Context, art Artifact) (Outcome, error) {
	if strings.TrimSpace(art.Content) == "" {
		return v.fail(SeverityError, "task %s produced no output", art.TaskID), nil
	}
	return Outcome{Passed: true}, nil
}

// Pattern checks the artifact against a regular expression. With forbid set
// a match fails the artifact; otherwise a missing match does.
type Pattern struct {
	base
	re     *regexp.Regexp
	forbid bool
}

func NewPattern(id string, blocking bool, expr string, forbid bool) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("validator %s: %w", id, err)
	}
	return &Pattern{base: base{id, blocking}, re: re, forbid: forbid}, nil
}

func (v *Pattern) Evaluate(_ context.Context, art Artifact) (Outcome, error) {
	loc := v.re.FindStringIndex(art.Content)
	found := loc != nil

	switch {
	case v.forbid && found:
		match := art.Content[loc[0]:loc[1]]
		return v.fail(v.severity(), "output contains forbidden pattern %q: %q", v.re.String(), truncate(match, 120)), nil
	case !v.forbid && !found:
		return v.fail(v.severity(), "output does not match required pattern %q", v.re.String()), nil
	}
	return Outcome{Passed: true}, nil
}

func (v *Pattern) severity() Severity {
	if v.blocking {
		return SeverityError
	}
	return SeverityWarning
}

// Command pipes the artifact into an external checker. Exit status zero
// passes; anything else fails with the checker's output as the message.
type Command struct {
	base
	name    string
	args    []string
	timeout time.Duration
	procMgr *backend.ProcessManager
}

func NewCommand(id string, blocking bool, name string, args []string, timeout time.Duration, pm *backend.ProcessManager) *Command {
	return &Command{
		base:    base{id, blocking},
		name:    name,
		args:    append([]string(nil), args...),
		timeout: timeout,
		procMgr: pm,
	}
}

func (v *Command) Evaluate(ctx context.Context, art Artifact) (Outcome, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	out, err := backend.Run(ctx, backend.Invocation{
		Name: v.name,
		Args: v.args,
		Env: []string{
			"TASKFORGE_TASK_ID=" + art.TaskID,
			"TASKFORGE_CATEGORY=" + art.Category,
		},
		Stdin: art.Content,
	}, v.procMgr)
	if err == nil {
		return Outcome{Passed: true}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		return Outcome{}, err
	}

	msg := strings.TrimSpace(string(out.Stdout) + "\n" + string(out.Stderr))
	if msg == "" {
		msg = fmt.Sprintf("%s exited with status %d", v.name, out.ExitCode)
	}
	sev := SeverityWarning
	if v.blocking {
		sev = SeverityError
	}
	return v.fail(sev, "%s", truncate(msg, 2000)), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FromConfig builds the gateway described by cfg.
func FromConfig(cfg config.QualityConfig, pm *backend.ProcessManager) (*Gateway, error) {
	validators := make([]Validator, 0, len(cfg.Validators))
	for _, vc := range cfg.Validators {
		v, err := newValidator(vc, pm)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	return NewGateway(Options{FailFast: cfg.FailFast, Parallel: cfg.Parallel}, validators...), nil
}

func newValidator(vc config.ValidatorConfig, pm *backend.ProcessManager) (Validator, error) {
	switch vc.Kind {
	case "nonempty":
		return NewNonEmpty(vc.ID, vc.Blocking), nil
	case "forbid":
		return NewPattern(vc.ID, vc.Blocking, vc.Pattern, true)
	case "require":
		return NewPattern(vc.ID, vc.Blocking, vc.Pattern, false)
	case "command":
		if vc.Command == "" {
			return nil, fmt.Errorf("validator %s: command is required", vc.ID)
		}
		return NewCommand(vc.ID, vc.Blocking, vc.Command, vc.Args, vc.Timeout, pm), nil
	default:
		return nil, fmt.Errorf("validator %s: unknown kind %q", vc.ID, vc.Kind)
	}
}
