// Package routing implements the AMQP-topic-style routing-key and
// binding-key algebra the pipeline substrate uses to wire components
// together: a component declares which routing-states it consumes, the
// substrate expands those into binding patterns and matches every
// published routing key against them.
package routing

import "strings"

// State is the first segment of a routing key, identifying which stage
// produced a message.
type State string

const (
	StateParsed     State = "parsed"
	StateAggregated State = "aggregated"
	StateEnriched   State = "enriched"
	StateCompared   State = "compared"
	StateFiltered   State = "filtered"
	StateRecorded   State = "recorded"
)

var validStates = map[State]struct{}{
	StateParsed: {}, StateAggregated: {}, StateEnriched: {}, StateCompared: {},
	StateFiltered: {}, StateRecorded: {},
}

// ValidState reports whether s is one of the closed set of routing-states.
func ValidState(s State) bool {
	_, ok := validStates[s]
	return ok
}

// Key builds a routing key of the form <state>.<category>.<provider>.<channel>.
func Key(state State, category, provider, channel string) string {
	return strings.Join([]string{string(state), category, provider, channel}, ".")
}

// BindingForState expands a routing-state into its binding-key pattern:
// "<state>.#" — matching that state regardless of category/provider/channel.
func BindingForState(state State) string {
	return string(state) + ".#"
}

// Match reports whether routingKey matches bindingKey, using the AMQP topic
// wildcard algebra: "*" matches exactly one dot-delimited segment, "#"
// matches zero or more trailing segments.
func Match(bindingKey, routingKey string) bool {
	bParts := strings.Split(bindingKey, ".")
	rParts := strings.Split(routingKey, ".")
	return matchParts(bParts, rParts)
}

func matchParts(b, r []string) bool {
	for i := 0; i < len(b); i++ {
		seg := b[i]
		if seg == "#" {
			// "#" may match zero or more of the remaining segments,
			// including being the last pattern segment.
			if i == len(b)-1 {
				return true
			}
			// Try every possible split point for the remainder.
			for skip := 0; skip <= len(r); skip++ {
				if matchParts(b[i+1:], r[skip:]) {
					return true
				}
			}
			return false
		}
		if i >= len(r) {
			return false
		}
		if seg != "*" && seg != r[i] {
			return false
		}
	}
	return len(b) == len(r)
}

// Topology maps a component's canonical name to the routing-states it
// consumes, the single source of truth for how the pipeline graph is wired.
// It is parsed from the "pipeline.<component> = <state>[,<state>...]"
// configuration keys.
type Topology map[string][]State

// DefaultTopology returns the default wiring named in the routing
// substrate's description.
func DefaultTopology() Topology {
	return Topology{
		"aggregator": {StateParsed},
		"enricher":   {StateParsed, StateAggregated},
		"comparator": {StateEnriched},
		"filter":     {StateEnriched, StateCompared},
		"anonymizer": {StateFiltered},
		"recorder":   {StateFiltered},
		"counter":    {StateRecorded},
	}
}

// Bindings returns the set of binding-key patterns a component should
// declare for its queue, one per consumed routing-state.
func (t Topology) Bindings(component string) []string {
	states := t[component]
	bindings := make([]string, 0, len(states))
	for _, s := range states {
		bindings = append(bindings, BindingForState(s))
	}
	return bindings
}

// Validate rejects an ill-formed topology eagerly, before any connection is
// opened: unknown routing-states, or a component declared with zero
// consumed states.
func (t Topology) Validate() error {
	for component, states := range t {
		if len(states) == 0 {
			return &ValidationError{Component: component, Reason: "declares no routing-states to consume"}
		}
		for _, s := range states {
			if !ValidState(s) {
				return &ValidationError{Component: component, Reason: "unknown routing-state " + string(s)}
			}
		}
	}
	return nil
}

// ValidationError reports a malformed topology entry.
type ValidationError struct {
	Component string
	Reason    string
}

func (e *ValidationError) Error() string {
	return "routing: topology for component " + e.Component + ": " + e.Reason
}
