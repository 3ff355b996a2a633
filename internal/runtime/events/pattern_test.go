package events

import "testing"

func TestCompilePattern(t *testing.T) {
	t.Parallel()

	t.Run("rejects empty pattern", func(t *testing.T) {
		t.Parallel()
		if _, err := CompilePattern("   "); err == nil {
			t.Fatal("expected error for blank pattern")
		}
	})

	t.Run("rejects empty segments", func(t *testing.T) {
		t.Parallel()
		for _, pattern := range []string{".created", "agent.", "agent..created"} {
			if _, err := CompilePattern(pattern); err == nil {
				t.Errorf("expected error for %q", pattern)
			}
		}
	})

	t.Run("compiles literal and wildcard patterns", func(t *testing.T) {
		t.Parallel()
		p, err := CompilePattern("agent.*")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.String() != "agent.*" {
			t.Errorf("String() = %q", p.String())
		}
		if p.IsLiteral() {
			t.Error("agent.* should not be literal")
		}
		if !MustCompilePattern("agent.created").IsLiteral() {
			t.Error("agent.created should be literal")
		}
	})
}

func TestMustCompilePatternPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid pattern")
		}
	}()
	MustCompilePattern("")
}

func TestPatternMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"agent.created", "agent.created", true},
		{"agent.created", "agent.updated", false},
		{"agent.*", "agent.created", true},
		{"agent.*", "agent.started", true},
		{"agent.*", "tool.registered", false},
		{"agent.*", "agent", false},
		{"agent.*", "agent.task.created", false},
		{"*.created", "agent.created", true},
		{"*.created", "tool.created", true},
		{"*.created", "created", false},
		{"*", "agent", true},
		{"*", "agent.created", false},
		{"plan.*.completed", "plan.step.completed", true},
		{"plan.*.completed", "plan.step.failed", false},
		{"agent.created", "", false},
	}

	for _, tc := range cases {
		p := MustCompilePattern(tc.pattern)
		if got := p.Match(tc.topic); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestZeroPatternNeverMatches(t *testing.T) {
	t.Parallel()

	var p TopicPattern
	if p.Match("agent.created") {
		t.Error("zero pattern must not match")
	}
}
