package sessions

// Chunk is the unit of embedding: one message in the baseline, with all
// metadata preserved.
type Chunk struct {
	Message Message
	// Part distinguishes splits of one long message; 0 for whole
	// messages.
	Part int
}

// ChunkConfig tunes the chunker. MaxRunes of 0 disables long-message
// splitting (the baseline).
type ChunkConfig struct {
	MaxRunes int
}

// ChunkMessages maps messages to chunks. SplitLongMessages is the named
// extension point for bounded-size chunks; the baseline is 1:1.
func ChunkMessages(messages []Message, cfg ChunkConfig) []Chunk {
	chunks := make([]Chunk, 0, len(messages))
	for _, msg := range messages {
		if cfg.MaxRunes > 0 {
			chunks = append(chunks, SplitLongMessages(msg, cfg.MaxRunes)...)
			continue
		}
		chunks = append(chunks, Chunk{Message: msg})
	}
	return chunks
}

// SplitLongMessages splits one message into rune-bounded parts, keeping
// every metadata field of the original.
func SplitLongMessages(msg Message, maxRunes int) []Chunk {
	runes := []rune(msg.Content)
	if len(runes) <= maxRunes {
		return []Chunk{{Message: msg}}
	}
	var out []Chunk
	for part, start := 0, 0; start < len(runes); part, start = part+1, start+maxRunes {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		piece := msg
		piece.Content = string(runes[start:end])
		out = append(out, Chunk{Message: piece, Part: part + 1})
	}
	return out
}
