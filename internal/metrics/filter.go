// Package metrics provides the controller's Prometheus registry and the
// plain-text exposition filter used by the metrics endpoint: filtering to
// metric families whose name begins with a configured prefix, while
// preserving group integrity.
package metrics

import (
	"strings"
)

// groupState tracks whether the metric family currently being scanned
// should be retained. A "# TYPE" line whose third token is missing can't
// be classified until a later sample line disambiguates it, hence the
// third, undecided state.
type groupState int

const (
	stateNotMatching groupState = iota
	stateMaybeMatching
	stateMatching
)

// FilterExposition filters a Prometheus plain-text exposition to only the
// metric families whose name begins with one of retainPrefixes. A family
// is everything up to (but not including) the next blank line; families
// are emitted with exactly one blank line separating them. Each family
// starts in "maybe matching" state, with its lines held back, until a
// "# TYPE" line with at least three whitespace-separated tokens decides
// retention by its metric name. A malformed "# TYPE" line and sample lines
// never decide it, so a family that gets no well-formed "# TYPE" line is
// dropped.
func FilterExposition(input string, retainPrefixes []string) string {
	var out strings.Builder
	state := stateMaybeMatching
	var buffered []string

	flush := func() {
		switch state {
		case stateMatching:
			if out.Len() != 0 {
				out.WriteByte('\n')
			}
			for _, line := range buffered {
				out.WriteString(line)
				out.WriteByte('\n')
			}
		}
		state = stateMaybeMatching
		buffered = buffered[:0]
	}

	matches := func(metricName string) bool {
		for _, prefix := range retainPrefixes {
			if strings.HasPrefix(metricName, prefix) {
				return true
			}
		}
		return false
	}

	onLine := func(line string, isMatch *bool) {
		switch state {
		case stateMatching:
			buffered = append(buffered, line)
		case stateMaybeMatching:
			if isMatch == nil {
				buffered = append(buffered, line)
				return
			}
			if *isMatch {
				buffered = append(buffered, line)
				state = stateMatching
			} else {
				state = stateNotMatching
				buffered = buffered[:0]
			}
		case stateNotMatching:
			// stays not-matching
		}
	}

	for _, line := range strings.Split(input, "\n") {
		switch {
		case strings.HasPrefix(line, "# TYPE "):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				m := matches(parts[2])
				onLine(line, &m)
			} else {
				onLine(line, nil)
			}
		case strings.TrimSpace(line) == "":
			flush()
		default:
			onLine(line, nil)
		}
	}

	return out.String()
}
