// Package sync is the JSONL git-sync layer: byte-stable export of the
// bead and memory projections, per-line validated import, a 3-way merge
// driver with tombstone semantics, and the debounced FlushManager that
// keeps <repo>/.hive/issues.jsonl current.
package sync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/hive/internal/hiveerr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tombstone and merge timing constants.
const (
	// DefaultTombstoneTTL is how long tombstones survive so distributed
	// merges converge before garbage collection.
	DefaultTombstoneTTL = 30 * 24 * time.Hour

	// MinTombstoneTTL floors operator-configured TTLs.
	MinTombstoneTTL = 24 * time.Hour

	// ClockSkewGrace widens TTL checks so hosts with drifting clocks
	// don't resurrect freshly deleted records.
	ClockSkewGrace = 5 * time.Minute
)

// beadRecord is the wire form of one bead. The struct field order IS the
// canonical JSONL field order; nothing else defines it. Optional fields
// are omitted when empty so the output is byte-reproducible.
type beadRecord struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	IssueType    string      `json:"issue_type"`
	Priority     int         `json:"priority"`
	Status       string      `json:"status"`
	ParentID     string      `json:"parent_id,omitempty"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
	ClosedAt     int64       `json:"closed_at,omitempty"`
	DeletedAt    int64       `json:"deleted_at,omitempty"`
	ContentHash  string      `json:"content_hash"`
	Labels       []string    `json:"labels,omitempty"`
	Dependencies []depRecord `json:"dependencies,omitempty"`
	Sequence     int64       `json:"sequence,omitempty"`
}

type depRecord struct {
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
}

// memoryRecord is the wire form of one memory. Embeddings are never
// exported; they are regenerated on import when an embedder is
// available.
type memoryRecord struct {
	ID          string          `json:"id"`
	Information string          `json:"information"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

const beadSchemaJSON = `{
  "type": "object",
  "required": ["id", "title", "issue_type", "priority", "status", "created_at", "updated_at"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "issue_type": {"enum": ["bug", "feature", "task", "epic", "chore"]},
    "priority": {"type": "integer", "minimum": 0, "maximum": 3},
    "status": {"enum": ["open", "in_progress", "blocked", "closed", "tombstone"]},
    "parent_id": {"type": "string"},
    "created_at": {"type": "integer"},
    "updated_at": {"type": "integer"},
    "closed_at": {"type": "integer"},
    "deleted_at": {"type": "integer"},
    "content_hash": {"type": "string"},
    "labels": {"type": "array", "items": {"type": "string"}},
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["depends_on_id", "relationship"],
        "properties": {
          "depends_on_id": {"type": "string", "minLength": 1},
          "relationship": {"enum": ["blocks", "related", "discovered-from"]}
        }
      }
    },
    "sequence": {"type": "integer"}
  }
}`

const memorySchemaJSON = `{
  "type": "object",
  "required": ["id", "information", "created_at"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "information": {"type": "string"},
    "metadata": {"type": "object"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "created_at": {"type": "integer"}
  }
}`

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for integer bounds.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "parse "+name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindSchema, "add "+name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindSchema, "compile "+name, err)
	}
	return sch, nil
}

// validators holds the compiled record schemas; built once per Syncer.
type validators struct {
	bead   *jsonschema.Schema
	memory *jsonschema.Schema
}

func newValidators() (*validators, error) {
	bead, err := compileSchema("bead.schema.json", beadSchemaJSON)
	if err != nil {
		return nil, err
	}
	memory, err := compileSchema("memory.schema.json", memorySchemaJSON)
	if err != nil {
		return nil, err
	}
	return &validators{bead: bead, memory: memory}, nil
}

// marshalLine renders one record as a compact JSON line. encoding/json
// preserves struct field order, so the byte layout has a single owner.
func marshalLine(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", hiveerr.Wrap(hiveerr.KindParse, "marshal record", err)
	}
	return string(raw) + "\n", nil
}

// parseBeadLine decodes and validates one exported bead line.
func (v *validators) parseBeadLine(line string) (*beadRecord, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "malformed line", err)
	}
	if err := v.bead.Validate(parsed); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "invalid bead record", err)
	}
	var rec beadRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "decode bead record", err)
	}
	return &rec, nil
}

// parseMemoryLine decodes and validates one exported memory line.
func (v *validators) parseMemoryLine(line string) (*memoryRecord, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "malformed line", err)
	}
	if err := v.memory.Validate(parsed); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "invalid memory record", err)
	}
	var rec memoryRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, hiveerr.Wrap(hiveerr.KindParse, "decode memory record", err)
	}
	return &rec, nil
}

// tombstoneAlive reports whether a tombstone is still within TTL,
// widened by the clock-skew grace window.
func tombstoneAlive(deletedAtMs int64, ttl time.Duration, nowMs int64) bool {
	if deletedAtMs == 0 {
		return false
	}
	if ttl < MinTombstoneTTL {
		ttl = MinTombstoneTTL
	}
	age := time.Duration(nowMs-deletedAtMs) * time.Millisecond
	return age <= ttl+ClockSkewGrace
}
