package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jervisai/jervis/pkg/types"
)

// Verdict is the qualification outcome for one task.
type Verdict struct {
	// Simple tasks are finalized by the qualifier itself; everything
	// else goes to the GPU queue for the planner.
	Simple  bool
	Summary string
}

// TaskQualifier decides whether a task is simple enough to finish on
// the small CPU model.
type TaskQualifier interface {
	QualifyTask(ctx context.Context, task *types.Task) (Verdict, error)
}

// LLM is the generation surface the qualifier needs.
type LLM interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// LLMQualifier qualifies tasks with a local model. The model answers
// strict JSON; anything unparseable is treated as a retriable failure
// rather than a guess about complexity.
type LLMQualifier struct {
	llm   LLM
	model string
}

// NewLLMQualifier creates an LLMQualifier.
func NewLLMQualifier(llm LLM, model string) *LLMQualifier {
	return &LLMQualifier{llm: llm, model: model}
}

const qualifyPrompt = `You triage background tasks for an assistant.
A task is SIMPLE when it can be answered in one short paragraph from the
task text alone: acknowledgements, notes to remember, trivial lookups.
A task is COMPLEX when it needs tools, multi-step planning, code changes
or external data.

Task type: %s
Task:
"""
%s
"""

Answer with exactly one JSON object and nothing else:
{"complexity": "simple" or "complex", "summary": "one sentence result for simple tasks, empty otherwise"}`

func (q *LLMQualifier) QualifyTask(ctx context.Context, task *types.Task) (Verdict, error) {
	raw, err := q.llm.Generate(ctx, q.model, fmt.Sprintf(qualifyPrompt, task.Type, task.Content))
	if err != nil {
		return Verdict{}, err
	}

	var parsed struct {
		Complexity string `json:"complexity"`
		Summary    string `json:"summary"`
	}
	payload := extractJSON(raw)
	if payload == "" {
		return Verdict{}, types.Transient("task qualification", fmt.Errorf("no JSON in model output"))
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return Verdict{}, types.Transient("task qualification", err)
	}

	switch strings.ToLower(parsed.Complexity) {
	case "simple":
		return Verdict{Simple: true, Summary: parsed.Summary}, nil
	case "complex":
		return Verdict{Simple: false}, nil
	}
	return Verdict{}, types.Transient("task qualification",
		fmt.Errorf("unexpected complexity %q", parsed.Complexity))
}

// extractJSON pulls the first balanced JSON object out of model output
// that may be wrapped in prose or a code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
