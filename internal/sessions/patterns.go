package sessions

import (
	"regexp"
	"sync"
)

// PatternRule maps a path regexp to an agent type. First match wins.
type PatternRule struct {
	Pattern   *regexp.Regexp
	AgentType string
}

// defaultPatternSpecs cover the well-known on-disk session directories.
var defaultPatternSpecs = []struct {
	pattern   string
	agentType string
}{
	{`\.claude/projects/`, "claude"},
	{`\.claude/`, "claude"},
	{`\.codex/sessions/`, "codex"},
	{`\.gemini/tmp/`, "gemini"},
	{`\.cursor/`, "cursor"},
	{`\.hive/sessions/`, "hive"},
}

// patternTable is a process-wide, read-only derivation: rules are
// replaced wholesale, never mutated in place.
var patternTable = struct {
	mu    sync.RWMutex
	rules []PatternRule
}{rules: compileDefaults()}

func compileDefaults() []PatternRule {
	rules := make([]PatternRule, 0, len(defaultPatternSpecs))
	for _, spec := range defaultPatternSpecs {
		rules = append(rules, PatternRule{
			Pattern:   regexp.MustCompile(spec.pattern),
			AgentType: spec.agentType,
		})
	}
	return rules
}

// NewPatternRule compiles one discovery rule.
func NewPatternRule(pattern, agentType string) (PatternRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PatternRule{}, err
	}
	return PatternRule{Pattern: re, AgentType: agentType}, nil
}

// DiscoverAgentType returns the agent type of a transcript path, or ""
// when no rule matches.
func DiscoverAgentType(path string) string {
	patternTable.mu.RLock()
	defer patternTable.mu.RUnlock()
	for _, rule := range patternTable.rules {
		if rule.Pattern.MatchString(path) {
			return rule.AgentType
		}
	}
	return ""
}

// LoadPatterns swaps the rule table. Used by configuration and tests.
func LoadPatterns(rules []PatternRule) {
	cp := make([]PatternRule, len(rules))
	copy(cp, rules)
	patternTable.mu.Lock()
	patternTable.rules = cp
	patternTable.mu.Unlock()
}

// ResetPatterns restores the default rule table.
func ResetPatterns() {
	LoadPatterns(compileDefaults())
}
