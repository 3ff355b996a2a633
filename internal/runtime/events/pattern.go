package events

import (
	"fmt"
	"strings"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
)

// Wildcard matches exactly one topic segment.
const Wildcard = "*"

// TopicPattern matches topics segment by segment. A literal segment must
// match exactly, "*" matches any single segment, and the segment counts
// must be equal: "agent.*" matches "agent.created" but never "agent" or
// "agent.task.created".
type TopicPattern struct {
	raw      string
	segments []string
}

// CompilePattern validates and compiles a subscription pattern.
func CompilePattern(pattern string) (TopicPattern, error) {
	if strings.TrimSpace(pattern) == "" {
		return TopicPattern{}, &errspkg.ValidationError{
			Field:  "pattern",
			Reason: "pattern must not be empty",
			Cause:  errspkg.ErrPatternRequired,
		}
	}
	segments := strings.Split(pattern, ".")
	for i, segment := range segments {
		if segment == "" {
			return TopicPattern{}, &errspkg.ValidationError{
				Field:  "pattern",
				Reason: fmt.Sprintf("pattern %q has an empty segment at position %d", pattern, i),
			}
		}
	}
	return TopicPattern{raw: pattern, segments: segments}, nil
}

// MustCompilePattern is CompilePattern for patterns known at compile time.
func MustCompilePattern(pattern string) TopicPattern {
	compiled, err := CompilePattern(pattern)
	if err != nil {
		panic(err)
	}
	return compiled
}

// Match reports whether the topic satisfies the pattern.
func (p TopicPattern) Match(topic string) bool {
	if len(p.segments) == 0 || topic == "" {
		return false
	}
	if !strings.Contains(p.raw, Wildcard) {
		return p.raw == topic
	}
	segments := strings.Split(topic, ".")
	if len(segments) != len(p.segments) {
		return false
	}
	for i, want := range p.segments {
		if want == Wildcard {
			continue
		}
		if segments[i] != want {
			return false
		}
	}
	return true
}

// String returns the raw pattern text.
func (p TopicPattern) String() string {
	return p.raw
}

// IsLiteral reports whether the pattern contains no wildcards.
func (p TopicPattern) IsLiteral() bool {
	return !strings.Contains(p.raw, Wildcard)
}
