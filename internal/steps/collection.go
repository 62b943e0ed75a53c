// Package steps holds the validated, ordered list of steps a run executes.
package steps

import (
	"fmt"
	"os"
	"strings"

	"github.com/spachava753/stepbench/internal/config"
	"github.com/spachava753/stepbench/internal/models"
)

// Collection is an immutable, validated list of steps. Execution order is the
// declaration order; ids are never sorted or renumbered.
type Collection struct {
	all     []models.Step
	enabled []models.Step
}

// New validates the declared steps and returns the collection. Every problem
// is reported in a single *config.ValidationError.
func New(declared []models.Step) (*Collection, error) {
	var problems []string
	seen := make(map[int]bool, len(declared))
	c := &Collection{}

	for i, s := range declared {
		if s.ID <= 0 {
			problems = append(problems, fmt.Sprintf("steps[%d]: id must be positive, got %d", i, s.ID))
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("steps[%d]: duplicate id %d", i, s.ID))
		}
		seen[s.ID] = true

		if strings.TrimSpace(s.Name) == "" {
			problems = append(problems, fmt.Sprintf("step #%d: name is required", s.ID))
		}
		if s.PromptSource == "" {
			problems = append(problems, fmt.Sprintf("step #%d: prompt_source is required", s.ID))
		} else if s.Enabled {
			if info, err := os.Stat(s.PromptSource); err != nil {
				problems = append(problems, fmt.Sprintf("step #%d: prompt source %s not found", s.ID, s.PromptSource))
			} else if info.IsDir() {
				problems = append(problems, fmt.Sprintf("step #%d: prompt source %s is a directory", s.ID, s.PromptSource))
			}
		}

		c.all = append(c.all, s)
		if s.Enabled {
			c.enabled = append(c.enabled, s)
		}
	}

	if len(c.enabled) == 0 {
		problems = append(problems, "at least one step must be enabled")
	}
	if len(problems) > 0 {
		return nil, &config.ValidationError{Source: "steps", Problems: problems}
	}
	return c, nil
}

// Len returns the number of declared steps.
func (c *Collection) Len() int { return len(c.all) }

// EnabledCount returns the number of steps that will execute.
func (c *Collection) EnabledCount() int { return len(c.enabled) }

// All returns a copy of the declared steps.
func (c *Collection) All() []models.Step {
	return append([]models.Step(nil), c.all...)
}

// Enabled returns a copy of the enabled steps in declaration order.
func (c *Collection) Enabled() []models.Step {
	return append([]models.Step(nil), c.enabled...)
}

// Prompt reads the instruction text of a step.
func (c *Collection) Prompt(s models.Step) (string, error) {
	data, err := os.ReadFile(s.PromptSource)
	if err != nil {
		return "", fmt.Errorf("reading prompt for step #%d: %w", s.ID, err)
	}
	return string(data), nil
}

// ProgressLabel renders "index/total (#id: name)" with a 1-based index.
func ProgressLabel(index, total int, s models.Step) string {
	return fmt.Sprintf("%d/%d (#%d: %s)", index, total, s.ID, s.Name)
}
