package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Action is a permission outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAsk   Action = "ask"
	ActionDeny  Action = "deny"
)

// restrictiveness orders actions for merging: Deny > Ask > Allow.
func restrictiveness(a Action) int {
	switch a {
	case ActionDeny:
		return 2
	case ActionAsk:
		return 1
	default:
		return 0
	}
}

// MostRestrictive returns the stricter of two actions.
func MostRestrictive(a, b Action) Action {
	if restrictiveness(b) > restrictiveness(a) {
		return b
	}
	return a
}

// Rule matches category:resource patterns to an action.
type Rule struct {
	Pattern  string `json:"pattern"`
	Action   Action `json:"action"`
	Reason   string `json:"reason,omitempty"`
	Priority int    `json:"priority"`
}

// Ruleset is an ordered rule list with a fallback action.
type Ruleset struct {
	Name          string `json:"name,omitempty"`
	Rules         []Rule `json:"rules"`
	DefaultAction Action `json:"default_action"`
}

// Decision is the result of evaluating one tool call.
type Decision struct {
	Action      Action
	Reason      string
	MatchedRule *Rule
	Tool        string
	Resource    string
}

// Evaluate orders rules by ascending priority and returns the last
// matching rule's action, or the default when nothing matches.
func (rs Ruleset) Evaluate(category, resource string) Decision {
	target := category + ":" + resource
	dec := Decision{Action: rs.DefaultAction, Tool: category, Resource: resource}
	if dec.Action == "" {
		dec.Action = ActionAsk
	}

	ordered := make([]Rule, len(rs.Rules))
	copy(ordered, rs.Rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for i := range ordered {
		if MatchPattern(ordered[i].Pattern, target) {
			dec.Action = ordered[i].Action
			dec.Reason = ordered[i].Reason
			dec.MatchedRule = &ordered[i]
		}
	}
	if dec.Reason == "" {
		dec.Reason = defaultReason(dec)
	}
	return dec
}

func defaultReason(d Decision) string {
	switch d.Action {
	case ActionDeny:
		return fmt.Sprintf("denied by policy for %s:%s", d.Tool, d.Resource)
	case ActionAllow:
		if d.MatchedRule != nil {
			return fmt.Sprintf("allowed by rule %q", d.MatchedRule.Pattern)
		}
		return "allowed by default"
	default:
		return "confirmation required"
	}
}

// Merge concatenates rulesets in argument order, keeping each ruleset's
// rules stably sorted by ascending priority, and takes the most
// restrictive default action. Evaluation order within equal priorities is
// therefore: earlier rulesets first.
func Merge(sets ...Ruleset) Ruleset {
	merged := Ruleset{Name: mergedName(sets), DefaultAction: ActionAllow}
	if len(sets) == 0 {
		merged.DefaultAction = ActionAsk
		return merged
	}
	for _, rs := range sets {
		merged.Rules = append(merged.Rules, rs.Rules...)
		def := rs.DefaultAction
		if def == "" {
			def = ActionAsk
		}
		merged.DefaultAction = MostRestrictive(merged.DefaultAction, def)
	}
	sort.SliceStable(merged.Rules, func(i, j int) bool {
		return merged.Rules[i].Priority < merged.Rules[j].Priority
	})
	return merged
}

func mergedName(sets []Ruleset) string {
	var names []string
	for _, rs := range sets {
		if rs.Name != "" {
			names = append(names, rs.Name)
		}
	}
	return strings.Join(names, "+")
}
