// Package strategy runs ordered fallback chains: try each step in turn,
// stop at the first success, and report which step won. Capture paths,
// simulator selection, and screenshot diffing all degrade through chains
// like these.
package strategy

import (
	"context"
	"errors"
	"fmt"
)

// Outcome tags a step attempt.
type Outcome int

const (
	// Success ends the chain with the step's value.
	Success Outcome = iota
	// SoftFail moves on to the next step.
	SoftFail
	// HardFail aborts the chain; later steps are not tried.
	HardFail
)

// Step is one entry in a chain. Try returns the value, the outcome tag, and
// an error describing soft or hard failures.
type Step[T any] struct {
	Name string
	Try  func(ctx context.Context) (T, Outcome, error)
}

// Run tries steps in order and returns the first successful value along
// with the winning step's name. A HardFail aborts immediately with that
// step's error. When every step soft-fails, the joined errors are returned
// so logs show what was attempted.
func Run[T any](ctx context.Context, steps []Step[T]) (T, string, error) {
	var zero T
	var attempts []error

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		value, outcome, err := step.Try(ctx)
		switch outcome {
		case Success:
			return value, step.Name, nil
		case HardFail:
			return zero, step.Name, fmt.Errorf("%s: %w", step.Name, err)
		default:
			attempts = append(attempts, fmt.Errorf("%s: %w", step.Name, err))
		}
	}

	if len(attempts) == 0 {
		return zero, "", errors.New("no strategies to try")
	}
	return zero, "", fmt.Errorf("all strategies failed: %w", errors.Join(attempts...))
}
