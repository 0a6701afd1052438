// Package quality implements the validation chain that gates a task's
// transition to Completed.
package quality

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one observation reported by a validator.
type Finding struct {
	ValidatorID string   `json:"validator_id"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Blocking    bool     `json:"blocking,omitempty"`
}

// Action is the gateway's recommendation.
type Action int

const (
	ActionAccept Action = iota
	ActionRetry
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionRetry:
		return "retry"
	case ActionReject:
		return "reject"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Artifact is what a task produced, handed to every validator.
type Artifact struct {
	TaskID   string
	Category string
	Content  string
}

// Outcome is a single validator's verdict.
type Outcome struct {
	Passed   bool
	Findings []Finding
}

// Validator is a pluggable check. Validators must not mutate shared state:
// the gateway may run them concurrently.
type Validator interface {
	ID() string
	Blocking() bool
	Evaluate(ctx context.Context, artifact Artifact) (Outcome, error)
}

// Result is the gateway's aggregated verdict.
type Result struct {
	Passed   bool
	Findings []Finding
	Action   Action
}

// BlockingFindings returns the findings raised by failed blocking validators.
func (r Result) BlockingFindings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Blocking {
			out = append(out, f)
		}
	}
	return out
}

// Options controls evaluation order semantics.
type Options struct {
	FailFast bool // Stop at the first blocking failure
	Parallel bool // Run validators concurrently and join in configured order
}

// Gateway runs a chain of validators against an artifact.
type Gateway struct {
	validators []Validator
	opts       Options
}

// NewGateway builds a gateway evaluating validators in the given order.
func NewGateway(opts Options, validators ...Validator) *Gateway {
	return &Gateway{
		validators: validators,
		opts:       opts,
	}
}

// Validators returns the configured chain.
func (g *Gateway) Validators() []Validator {
	return append([]Validator(nil), g.validators...)
}

// Decide maps a blocking failure and the remaining budget to an action.
func Decide(blockingFailed bool, attempt, maxAttempts int) Action {
	switch {
	case !blockingFailed:
		return ActionAccept
	case attempt < maxAttempts:
		return ActionRetry
	default:
		return ActionReject
	}
}

// Evaluate runs the chain for one execution attempt. Once a blocking
// validator fails, the remaining blocking validators are skipped while
// non-blocking ones still run for diagnostics; with FailFast evaluation
// stops instead.
func (g *Gateway) Evaluate(ctx context.Context, artifact Artifact, attempt, maxAttempts int) Result {
	var outcomes []validatorOutcome
	if g.opts.Parallel {
		outcomes = g.evaluateParallel(ctx, artifact)
	} else {
		outcomes = g.evaluateSequential(ctx, artifact)
	}

	var result Result
	blockingFailed := false
	for _, o := range outcomes {
		if !o.ran {
			continue
		}
		for _, f := range o.outcome.Findings {
			f.Blocking = o.validator.Blocking() && !o.outcome.Passed
			result.Findings = append(result.Findings, f)
		}
		if !o.outcome.Passed && o.validator.Blocking() {
			blockingFailed = true
		}
	}

	result.Passed = !blockingFailed
	result.Action = Decide(blockingFailed, attempt, maxAttempts)
	return result
}

type validatorOutcome struct {
	validator Validator
	outcome   Outcome
	ran       bool
}

func (g *Gateway) evaluateSequential(ctx context.Context, artifact Artifact) []validatorOutcome {
	outcomes := make([]validatorOutcome, len(g.validators))
	blockingFailed := false

	for i, v := range g.validators {
		outcomes[i].validator = v
		if blockingFailed && v.Blocking() {
			continue
		}

		outcomes[i].outcome = run(ctx, v, artifact)
		outcomes[i].ran = true

		if !outcomes[i].outcome.Passed && v.Blocking() {
			blockingFailed = true
			if g.opts.FailFast {
				break
			}
		}
	}
	return outcomes
}

// evaluateParallel is a map-reduce over the chain. With FailFast the first
// blocking failure cancels the siblings; validators that had not finished
// are dropped from the result.
func (g *Gateway) evaluateParallel(ctx context.Context, artifact Artifact) []validatorOutcome {
	outcomes := make([]validatorOutcome, len(g.validators))
	var mu sync.Mutex

	grp, gctx := errgroup.WithContext(ctx)
	for i, v := range g.validators {
		outcomes[i].validator = v
		grp.Go(func() error {
			o := run(gctx, v, artifact)
			if g.opts.FailFast && gctx.Err() != nil && !o.Passed {
				return nil
			}

			mu.Lock()
			outcomes[i].outcome = o
			outcomes[i].ran = true
			mu.Unlock()

			if g.opts.FailFast && v.Blocking() && !o.Passed {
				return errBlockingFailure
			}
			return nil
		})
	}
	_ = grp.Wait()
	return outcomes
}

var errBlockingFailure = errors.New("blocking validator failed")

// run evaluates one validator, turning an evaluation error into a failed
// outcome carrying an error finding.
func run(ctx context.Context, v Validator, artifact Artifact) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Passed: false, Findings: []Finding{{ValidatorID: v.ID(), Severity: SeverityError, Message: err.Error()}}}
	}

	o, err := v.Evaluate(ctx, artifact)
	if err != nil {
		return Outcome{
			Passed: false,
			Findings: append(o.Findings, Finding{
				ValidatorID: v.ID(),
				Severity:    SeverityError,
				Message:     fmt.Sprintf("validator error: %v", err),
			}),
		}
	}
	for i := range o.Findings {
		if o.Findings[i].ValidatorID == "" {
			o.Findings[i].ValidatorID = v.ID()
		}
	}
	return o
}
