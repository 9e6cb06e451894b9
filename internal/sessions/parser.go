package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Message is one normalized transcript message. MessageIdx is the
// original line number (1-based) so deletions in the file never shift
// ids of the surviving messages.
type Message struct {
	SessionID  string          `json:"session_id"`
	AgentType  string          `json:"agent_type"`
	MessageIdx int             `json:"message_idx"`
	Timestamp  int64           `json:"timestamp"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	SourcePath string          `json:"source_path,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// rawLine is the permissive shape transcript lines share across agent
// types; per-agent quirks are normalized below.
type rawLine struct {
	SessionID  string          `json:"sessionId"`
	SessionID2 string          `json:"session_id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Content    json.RawMessage `json:"content"`
	Text       string          `json:"text"`
	Message    *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseFile reads a transcript and returns its normalized messages.
// Malformed and blank lines are skipped; the session id derives from
// the payload or, absent that, from the filename stem.
func ParseFile(path string) ([]Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	agentType := DiscoverAgentType(path)
	if agentType == "" {
		agentType = "unknown"
	}
	return ParseLines(string(raw), path, agentType), nil
}

// ParseLines normalizes a transcript's lines. Exposed separately so
// tests and the pipeline can parse without touching the filesystem.
func ParseLines(content, path, agentType string) []Message {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var out []Message

	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			continue
		}

		role, body := normalizeRoleContent(&raw)
		if role == "" || body == "" {
			continue
		}

		sessionID := raw.SessionID
		if sessionID == "" {
			sessionID = raw.SessionID2
		}
		if sessionID == "" {
			sessionID = stem
		}

		out = append(out, Message{
			SessionID:  sessionID,
			AgentType:  agentType,
			MessageIdx: i + 1,
			Timestamp:  parseTimestamp(raw.Timestamp),
			Role:       role,
			Content:    body,
			SourcePath: path,
			Metadata:   metadataFor(&raw),
		})
	}
	return out
}

// normalizeRoleContent flattens the role/content variants the agent
// formats use: top-level role+content, nested message objects, and
// content as either a string or a part array.
func normalizeRoleContent(raw *rawLine) (role, content string) {
	role = raw.Role
	rawContent := raw.Content
	if raw.Message != nil {
		if raw.Message.Role != "" {
			role = raw.Message.Role
		}
		if len(raw.Message.Content) > 0 {
			rawContent = raw.Message.Content
		}
	}
	if role == "" {
		switch raw.Type {
		case "user", "human":
			role = "user"
		case "assistant":
			role = "assistant"
		case "system":
			role = "system"
		}
	}
	switch role {
	case "user", "assistant", "system":
	case "human":
		role = "user"
	default:
		return "", ""
	}

	content = flattenContent(rawContent)
	if content == "" {
		content = raw.Text
	}
	return role, strings.TrimSpace(content)
}

// flattenContent accepts "text", ["text", ...] and [{type:"text",
// text:"..."}] content shapes.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		var ps string
		if err := json.Unmarshal(part, &ps); err == nil {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(ps)
			continue
		}
		var obj struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &obj); err == nil && obj.Type == "text" && obj.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(obj.Text)
		}
	}
	return b.String()
}

// parseTimestamp accepts unix ms numbers and RFC3339 strings.
func parseTimestamp(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func metadataFor(raw *rawLine) json.RawMessage {
	if raw.Type == "" {
		return nil
	}
	meta, _ := json.Marshal(map[string]string{"type": raw.Type})
	return meta
}
