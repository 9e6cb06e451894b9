package sessions

import (
	"testing"
)

func TestParseLinesNormalizes(t *testing.T) {
	content := `{"sessionId":"sess-1","type":"user","message":{"role":"user","content":"hello there"},"timestamp":"2026-03-01T10:00:00Z"}
{"sessionId":"sess-1","type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"x"}]}}

not json
{"role":"system","content":"system prompt","timestamp":1740000000000}`

	msgs := ParseLines(content, "/home/u/.claude/projects/p/sess-1.jsonl", "claude")
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (blank + malformed skipped)", len(msgs))
	}

	if msgs[0].Role != "user" || msgs[0].Content != "hello there" || msgs[0].SessionID != "sess-1" {
		t.Fatalf("msg0 = %+v", msgs[0])
	}
	if msgs[0].Timestamp == 0 {
		t.Fatal("rfc3339 timestamp not parsed")
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi" {
		t.Fatalf("msg1 = %+v", msgs[1])
	}
	if msgs[2].Role != "system" || msgs[2].Timestamp != 1740000000000 {
		t.Fatalf("msg2 = %+v", msgs[2])
	}

	// message_idx reflects original line numbers, so the malformed line
	// leaves a gap.
	if msgs[0].MessageIdx != 1 || msgs[1].MessageIdx != 2 || msgs[2].MessageIdx != 5 {
		t.Fatalf("idx = %d, %d, %d; want 1, 2, 5", msgs[0].MessageIdx, msgs[1].MessageIdx, msgs[2].MessageIdx)
	}
}

func TestParseLinesSessionIDFromFilename(t *testing.T) {
	msgs := ParseLines(`{"role":"user","content":"no session field"}`, "/x/y/run-42.jsonl", "codex")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].SessionID != "run-42" {
		t.Fatalf("session id = %q, want filename stem", msgs[0].SessionID)
	}
	if msgs[0].AgentType != "codex" {
		t.Fatalf("agent type = %q", msgs[0].AgentType)
	}
}

func TestParseLinesSkipsNonMessages(t *testing.T) {
	content := `{"type":"summary","summary":"compacted"}
{"role":"tool","content":"tool output"}
{"role":"user","content":""}`
	msgs := ParseLines(content, "/x/s.jsonl", "claude")
	if len(msgs) != 0 {
		t.Fatalf("messages = %+v, want none", msgs)
	}
}

func TestDiscoverAgentType(t *testing.T) {
	defer ResetPatterns()

	cases := []struct {
		path, want string
	}{
		{"/home/u/.claude/projects/p/s.jsonl", "claude"},
		{"/home/u/.codex/sessions/s.jsonl", "codex"},
		{"/home/u/.gemini/tmp/s.jsonl", "gemini"},
		{"/var/lib/other/s.jsonl", ""},
	}
	for _, tc := range cases {
		if got := DiscoverAgentType(tc.path); got != tc.want {
			t.Fatalf("discover(%s) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestLoadAndResetPatterns(t *testing.T) {
	defer ResetPatterns()

	LoadPatterns([]PatternRule{mustRule(t, `custom-agent/`, "custom")})
	if got := DiscoverAgentType("/data/custom-agent/s.jsonl"); got != "custom" {
		t.Fatalf("custom rule = %q", got)
	}
	// The default table was replaced wholesale.
	if got := DiscoverAgentType("/home/u/.claude/projects/p/s.jsonl"); got != "" {
		t.Fatalf("default rule still active: %q", got)
	}

	ResetPatterns()
	if got := DiscoverAgentType("/home/u/.claude/projects/p/s.jsonl"); got != "claude" {
		t.Fatalf("reset failed: %q", got)
	}
}

// First match wins.
func TestPatternOrder(t *testing.T) {
	defer ResetPatterns()
	LoadPatterns([]PatternRule{
		mustRule(t, `sessions/`, "first"),
		mustRule(t, `sessions/special/`, "second"),
	})
	if got := DiscoverAgentType("/data/sessions/special/s.jsonl"); got != "first" {
		t.Fatalf("got %q, want first-match-wins", got)
	}
}

func mustRule(t *testing.T, pattern, agentType string) PatternRule {
	t.Helper()
	rule, err := NewPatternRule(pattern, agentType)
	if err != nil {
		t.Fatalf("rule %q: %v", pattern, err)
	}
	return rule
}

func TestChunkerBaseline(t *testing.T) {
	msgs := []Message{
		{SessionID: "s", MessageIdx: 1, Content: "short"},
		{SessionID: "s", MessageIdx: 2, Content: "also short"},
	}
	chunks := ChunkMessages(msgs, ChunkConfig{})
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 1:1", len(chunks))
	}
	if chunks[0].Message.MessageIdx != 1 || chunks[0].Part != 0 {
		t.Fatalf("chunk0 = %+v", chunks[0])
	}
}

func TestChunkerSplitsLongMessages(t *testing.T) {
	long := Message{SessionID: "s", MessageIdx: 3, Role: "assistant", Content: "abcdefghij"}
	chunks := ChunkMessages([]Message{long}, ChunkConfig{MaxRunes: 4})
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	joined := ""
	for i, c := range chunks {
		if c.Part != i+1 {
			t.Fatalf("part = %d, want %d", c.Part, i+1)
		}
		if c.Message.MessageIdx != 3 || c.Message.Role != "assistant" {
			t.Fatalf("metadata lost: %+v", c.Message)
		}
		joined += c.Message.Content
	}
	if joined != long.Content {
		t.Fatalf("joined = %q", joined)
	}
}
