package internaldialect

import (
	"regexp"
	"strings"
)

// thinkingSuffixPattern matches a model name ending in either a "-level"
// suffix or a "(level)" parenthesized form, where level is one of
// low/medium/high/minimal (case-insensitive).
var thinkingSuffixPattern = regexp.MustCompile(`(?i)^(.+?)(?:-(low|medium|high|minimal)|\((low|medium|high|minimal)\))$`)

// ParseThinkingSuffix extracts a trailing thinking-level marker from a model
// name, in either of its two documented forms ("-low"/"-medium"/"-high"/
// "-minimal" or "(low)"/"(medium)"/"(high)"/"(minimal)"). It returns the
// model name with the marker stripped, the level uppercased for
// ThinkingConfig.ThinkingLevel, and whether a marker was found at all. A
// model-name suffix takes priority over any other thinking-level source.
func ParseThinkingSuffix(model string) (clean string, level string, ok bool) {
	m := thinkingSuffixPattern.FindStringSubmatch(model)
	if m == nil {
		return model, "", false
	}
	lvl := m[2]
	if lvl == "" {
		lvl = m[3]
	}
	return m[1], strings.ToUpper(lvl), true
}
