package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/consoleharness/expectrun/internal/pattern"
	"github.com/consoleharness/expectrun/internal/runner"
)

// Script is a validated scenario ready to run against a console.
type Script struct {
	name       string
	path       string
	boards     []string
	skipReason string
	timeout    time.Duration
	body       []op
	saves      []string
}

type op struct {
	label    string
	kind     string
	timeout  time.Duration
	patterns []pattern.Pattern
	literal  string
	save     string
	repeat   int
	body     []op
	names    []string
	message  string
}

type savedMatch struct {
	index        int
	alternatives int
	text         string
}

// Name is the scenario name.
func (s *Script) Name() string { return s.name }

// Path is the file the script was loaded from, if any.
func (s *Script) Path() string { return s.path }

// Boards lists the boards the scenario applies to; empty means any.
func (s *Script) Boards() []string { return append([]string(nil), s.boards...) }

// SavedNames lists every name an expect step saves its index under.
func (s *Script) SavedNames() []string { return append([]string(nil), s.saves...) }

// Steps counts the top-level steps.
func (s *Script) Steps() int { return len(s.body) }

// Scenario adapts the script to the runner.
func (s *Script) Scenario() runner.Scenario {
	return runner.Scenario{
		Name:         s.name,
		Precondition: s.precondition(),
		Run:          s.Run,
	}
}

func (s *Script) precondition() runner.Precondition {
	if len(s.boards) == 0 {
		return nil
	}
	requireBoard := runner.RequireBoard(s.boards...)
	if s.skipReason == "" {
		return requireBoard
	}
	return func(env runner.Env) (bool, string) {
		ok, reason := requireBoard(env)
		if ok {
			return true, ""
		}
		return false, s.skipReason + " (" + reason + ")"
	}
}

// Run executes every step in order against console.
func (s *Script) Run(ctx context.Context, console runner.Console) error {
	saved := map[string]savedMatch{}
	return s.exec(ctx, console, s.body, saved)
}

func (s *Script) exec(ctx context.Context, console runner.Console, ops []op, saved map[string]savedMatch) error {
	for _, current := range ops {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", current.label, err)
		}
		if err := s.execOne(ctx, console, current, saved); err != nil {
			return err
		}
	}
	return nil
}

func (s *Script) execOne(ctx context.Context, console runner.Console, current op, saved map[string]savedMatch) error {
	switch current.kind {
	case "expect":
		match, err := console.Expect(ctx, current.timeout, current.patterns...)
		if err != nil {
			return fmt.Errorf("%s: %w", current.label, err)
		}
		if current.save != "" {
			saved[current.save] = savedMatch{
				index:        match.Index,
				alternatives: len(current.patterns),
				text:         match.Text,
			}
		}
	case "expect_exact":
		if err := console.ExpectExact(ctx, current.timeout, current.literal); err != nil {
			return fmt.Errorf("%s: %w", current.label, err)
		}
	case "send_line":
		if err := console.SendLine(ctx, current.literal); err != nil {
			return fmt.Errorf("%s: %w", current.label, err)
		}
	case "repeat":
		for i := 0; i < current.repeat; i++ {
			if err := s.exec(ctx, console, current.body, saved); err != nil {
				return fmt.Errorf("%s iteration %d: %w", current.label, i+1, err)
			}
		}
	case "assert_distinct":
		if err := assertDistinct(current, saved); err != nil {
			return fmt.Errorf("%s: %w", current.label, err)
		}
	case "assert_equal":
		if err := assertEqual(current, saved); err != nil {
			return fmt.Errorf("%s: %w", current.label, err)
		}
	default:
		return fmt.Errorf("%s: unknown action %q", current.label, current.kind)
	}
	return nil
}

// assertDistinct requires the saved indices to differ. When every name was
// saved from an expect with as many alternatives as there are names, each
// alternative must have been seen exactly once.
func assertDistinct(current op, saved map[string]savedMatch) error {
	matches, err := lookup(current.names, saved)
	if err != nil {
		return err
	}

	indices := make([]int, len(matches))
	exhaustive := true
	for i, match := range matches {
		indices[i] = match.index
		if match.alternatives != len(matches) {
			exhaustive = false
		}
	}

	if exhaustive {
		if err := runner.SeenOnce(indices, len(matches)); err != nil {
			return withMessage(current.message, err)
		}
		return nil
	}

	set := runner.NewIndexSet()
	for i, index := range indices {
		if err := set.Add(index); err != nil {
			return withMessage(current.message, runner.Assertf(false,
				"%s matched alternative %d, already matched earlier (%s)",
				current.names[i], index, describeSaved(current.names, matches)))
		}
	}
	return nil
}

func assertEqual(current op, saved map[string]savedMatch) error {
	matches, err := lookup(current.names, saved)
	if err != nil {
		return err
	}
	for _, match := range matches[1:] {
		if match.index != matches[0].index {
			return withMessage(current.message, runner.Assertf(false,
				"saved matches differ: %s", describeSaved(current.names, matches)))
		}
	}
	return nil
}

func lookup(names []string, saved map[string]savedMatch) ([]savedMatch, error) {
	matches := make([]savedMatch, len(names))
	for i, name := range names {
		match, ok := saved[name]
		if !ok {
			return nil, runner.Assertf(false, "%q was never saved", name)
		}
		matches[i] = match
	}
	return matches, nil
}

func describeSaved(names []string, matches []savedMatch) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d %q", name, matches[i].index, matches[i].text)
	}
	return strings.Join(parts, ", ")
}

func withMessage(message string, err error) error {
	if message == "" {
		return err
	}
	return runner.Assertf(false, "%s (%v)", message, strings.TrimPrefix(err.Error(), "assertion failed: "))
}
