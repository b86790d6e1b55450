// Package script loads declarative scenario files and compiles them into
// runner scenarios.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/consoleharness/expectrun/internal/pattern"
)

// Patterns is one or more regular expressions. YAML accepts either a single
// string or a list.
type Patterns []string

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (p *Patterns) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*p = Patterns{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*p = Patterns(many)
		return nil
	default:
		return fmt.Errorf("line %d: expect must be a string or a list of strings", node.Line)
	}
}

// Step is one entry of a scenario file. Exactly one action field is set.
type Step struct {
	Expect         Patterns `yaml:"expect"`
	ExpectExact    *string  `yaml:"expect_exact"`
	SendLine       *string  `yaml:"send_line"`
	Repeat         int      `yaml:"repeat"`
	Steps          []Step   `yaml:"steps"`
	Save           string   `yaml:"save"`
	AssertDistinct []string `yaml:"assert_distinct"`
	AssertEqual    []string `yaml:"assert_equal"`
	Message        string   `yaml:"message"`
	Timeout        string   `yaml:"timeout"`

	line int
}

var stepKeys = map[string]bool{
	"expect":          true,
	"expect_exact":    true,
	"send_line":       true,
	"repeat":          true,
	"steps":           true,
	"save":            true,
	"assert_distinct": true,
	"assert_equal":    true,
	"message":         true,
	"timeout":         true,
}

// UnmarshalYAML decodes a step, rejecting unknown keys and remembering the
// line it started on.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: step must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !stepKeys[key.Value] {
			return fmt.Errorf("line %d: unknown step field %q", key.Line, key.Value)
		}
	}
	type plain Step
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*s = Step(decoded)
	s.line = node.Line
	return nil
}

// Line is the line of the scenario file the step starts on, or zero.
func (s Step) Line() int {
	return s.line
}

// File is a parsed scenario file.
type File struct {
	Name       string   `yaml:"name"`
	Boards     []string `yaml:"boards"`
	Timeout    string   `yaml:"timeout"`
	SkipReason string   `yaml:"skip_reason"`
	Steps      []Step   `yaml:"steps"`

	// Path is where the file was loaded from; empty for Parse.
	Path string `yaml:"-"`
}

// ValidationError lists every problem found in a scenario file.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	source := e.Path
	if source == "" {
		source = "scenario"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", source, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d problems:\n  %s", source, len(e.Problems), strings.Join(e.Problems, "\n  "))
}

// Load reads, parses and validates the scenario file at path. A missing name
// defaults to the file name without its extension.
func Load(path string) (*Script, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("scenario path must not be empty")
	}
	// #nosec G304 -- scenario files are chosen by the operator on the command line.
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", trimmed, err)
	}
	file, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", trimmed, err)
	}
	file.Path = trimmed
	if strings.TrimSpace(file.Name) == "" {
		file.Name = strings.TrimSuffix(filepath.Base(trimmed), filepath.Ext(trimmed))
	}
	return Compile(file)
}

// Parse parses and validates scenario data held in memory.
func Parse(data []byte) (*Script, error) {
	file, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return Compile(file)
}

func decode(data []byte) (File, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, errors.New("scenario file is empty")
		}
		return File{}, err
	}
	return file, nil
}

// Compile validates file and turns its steps into an executable script.
func Compile(file File) (*Script, error) {
	c := &compiler{saved: map[string]int{}}

	name := strings.TrimSpace(file.Name)
	if name == "" {
		c.problemf("name must not be empty")
	}
	defaultTimeout := c.duration("timeout", file.Timeout)
	if len(file.Steps) == 0 {
		c.problemf("steps must not be empty")
	}
	boards := make([]string, 0, len(file.Boards))
	for i, board := range file.Boards {
		board = strings.TrimSpace(board)
		if board == "" {
			c.problemf("boards[%d] must not be empty", i)
			continue
		}
		boards = append(boards, board)
	}

	body := c.steps("steps", file.Steps, defaultTimeout)
	if len(c.problems) > 0 {
		return nil, &ValidationError{Path: file.Path, Problems: c.problems}
	}

	return &Script{
		name:       name,
		path:       file.Path,
		boards:     boards,
		skipReason: strings.TrimSpace(file.SkipReason),
		timeout:    defaultTimeout,
		body:       body,
		saves:      c.savedNames(),
	}, nil
}

type compiler struct {
	problems []string
	// saved maps each saved name to its number of alternatives.
	saved map[string]int
}

func (c *compiler) problemf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *compiler) duration(where, raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.problemf("%s: invalid duration %q", where, raw)
		return 0
	}
	if value <= 0 {
		c.problemf("%s: duration must be positive, got %q", where, raw)
		return 0
	}
	return value
}

func (c *compiler) steps(where string, steps []Step, inherited time.Duration) []op {
	ops := make([]op, 0, len(steps))
	for i, step := range steps {
		label := fmt.Sprintf("%s[%d]", where, i)
		if step.line > 0 {
			label = fmt.Sprintf("%s (line %d)", label, step.line)
		}
		if compiled, ok := c.step(label, step, inherited); ok {
			ops = append(ops, compiled)
		}
	}
	return ops
}

func (c *compiler) step(label string, step Step, inherited time.Duration) (op, bool) {
	actions := step.actions()
	switch len(actions) {
	case 0:
		c.problemf("%s: step has no action", label)
		return op{}, false
	case 1:
	default:
		c.problemf("%s: step has more than one action: %s", label, strings.Join(actions, ", "))
		return op{}, false
	}
	action := actions[0]

	if step.Save != "" && action != "expect" {
		c.problemf("%s: save is only valid with expect", label)
	}
	if step.Message != "" && action != "assert_distinct" && action != "assert_equal" {
		c.problemf("%s: message is only valid with assertions", label)
	}
	if step.Timeout != "" && action != "expect" && action != "expect_exact" {
		c.problemf("%s: timeout is only valid with expect or expect_exact", label)
	}
	if len(step.Steps) > 0 && action != "repeat" {
		c.problemf("%s: steps is only valid with repeat", label)
	}

	timeout := inherited
	if step.Timeout != "" {
		timeout = c.duration(label+": timeout", step.Timeout)
	}

	compiled := op{label: label, kind: action, timeout: timeout}
	switch action {
	case "expect":
		patterns, err := pattern.Regexps(step.Expect...)
		if err != nil {
			c.problemf("%s: %v", label, err)
			return op{}, false
		}
		for i, expr := range step.Expect {
			if expr == "" {
				c.problemf("%s: expect[%d] must not be empty", label, i)
			}
		}
		compiled.patterns = patterns
		if name := strings.TrimSpace(step.Save); name != "" {
			compiled.save = name
			c.saved[name] = len(patterns)
		}
	case "expect_exact":
		if *step.ExpectExact == "" {
			c.problemf("%s: expect_exact must not be empty", label)
		}
		compiled.literal = *step.ExpectExact
	case "send_line":
		compiled.literal = *step.SendLine
	case "repeat":
		if step.Repeat < 1 {
			c.problemf("%s: repeat must be at least 1, got %d", label, step.Repeat)
		}
		if len(step.Steps) == 0 {
			c.problemf("%s: repeat needs steps", label)
		}
		compiled.repeat = step.Repeat
		compiled.body = c.steps(label+".steps", step.Steps, inherited)
	case "assert_distinct", "assert_equal":
		names := step.AssertDistinct
		if action == "assert_equal" {
			names = step.AssertEqual
		}
		if len(names) < 2 {
			c.problemf("%s: %s needs at least two saved names", label, action)
		}
		for _, name := range names {
			if _, ok := c.saved[strings.TrimSpace(name)]; !ok {
				c.problemf("%s: %s references %q, which no earlier expect saves", label, action, name)
			}
		}
		compiled.names = trimAll(names)
		compiled.message = strings.TrimSpace(step.Message)
	}
	return compiled, true
}

func (c *compiler) savedNames() []string {
	names := make([]string, 0, len(c.saved))
	for name := range c.saved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Step) actions() []string {
	var actions []string
	if len(s.Expect) > 0 {
		actions = append(actions, "expect")
	}
	if s.ExpectExact != nil {
		actions = append(actions, "expect_exact")
	}
	if s.SendLine != nil {
		actions = append(actions, "send_line")
	}
	if s.Repeat != 0 {
		actions = append(actions, "repeat")
	}
	if len(s.AssertDistinct) > 0 {
		actions = append(actions, "assert_distinct")
	}
	if len(s.AssertEqual) > 0 {
		actions = append(actions, "assert_equal")
	}
	return actions
}

func trimAll(values []string) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = strings.TrimSpace(value)
	}
	return out
}
