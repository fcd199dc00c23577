// Package rules holds the achievement catalogue and its pure evaluation
// functions.
//
// Evaluation is deterministic: given the same context and current progress
// a rule must return the same outcome. This is what makes event replay and
// at-least-once delivery safe for the processor.
package rules

import (
	"github.com/quizlab/merit/internal/domain/model"
)

// Definition is a static catalogue entry. Loaded once at process start and
// immutable thereafter.
type Definition struct {
	ID          string
	Title       string
	Description string
	Icon        string
	Category    string
	Points      int
	Target      int
	Repeatable  bool
	Triggers    []model.EventType
}

// Outcome is the result of evaluating one rule against one context.
type Outcome struct {
	Progress int
	Achieved bool
	Metadata map[string]any
}

// Evaluator computes an outcome from a context and the user's current
// progress. It must be a pure function.
type Evaluator func(ctx model.EvaluationContext, current int) Outcome

// Rule pairs a definition with its evaluator.
type Rule struct {
	Definition
	eval Evaluator
}

// NewRule builds a rule from a definition and evaluator.
func NewRule(def Definition, eval Evaluator) Rule {
	return Rule{Definition: def, eval: eval}
}

// Evaluate runs the rule's evaluator and normalizes the outcome: reaching
// the target always counts as achieved, and progress never reports past it.
func (r Rule) Evaluate(ctx model.EvaluationContext, current int) Outcome {
	out := r.eval(ctx, current)
	if r.Target > 0 {
		if out.Progress >= r.Target {
			out.Progress = r.Target
			out.Achieved = true
		}
	}
	return out
}

// NewlyAchieved reports whether this evaluation transitioned the
// achievement from unearned to earned.
func NewlyAchieved(out Outcome, wasEarned bool) bool {
	return out.Achieved && !wasEarned
}

// Registry holds the catalogue indexed by trigger event type. Built once;
// safe for concurrent reads.
type Registry struct {
	byID    map[string]Rule
	byEvent map[model.EventType][]Rule
	ordered []Rule
}

// NewRegistry builds a registry from the given rules.
func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{
		byID:    make(map[string]Rule, len(rules)),
		byEvent: make(map[model.EventType][]Rule),
	}
	for _, rule := range rules {
		if _, exists := r.byID[rule.ID]; exists {
			continue // first definition wins
		}
		r.byID[rule.ID] = rule
		r.ordered = append(r.ordered, rule)
		for _, trigger := range rule.Triggers {
			r.byEvent[trigger] = append(r.byEvent[trigger], rule)
		}
	}
	return r
}

// ForEvent returns all rules whose trigger set contains the event type.
func (r *Registry) ForEvent(eventType model.EventType) []Rule {
	return r.byEvent[eventType]
}

// Get returns the rule with the given achievement id.
func (r *Registry) Get(id string) (Rule, bool) {
	rule, ok := r.byID[id]
	return rule, ok
}

// All returns every rule in registration order.
func (r *Registry) All() []Rule {
	return r.ordered
}
