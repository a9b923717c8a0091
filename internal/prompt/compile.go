// Package prompt turns preset templates into final provider prompts.
package prompt

import (
	"sort"
	"strings"

	"imageforge/internal/domain"
)

// Compile replaces every `{{key}}` occurrence in the template with the
// matching input value. Keys carrying the reserved prefix are skipped; they
// hold internal references, not prompt text. Placeholders without a matching
// input stay verbatim. The function is pure and idempotent for a given
// template and input map.
func Compile(template string, inputs map[string]string) string {
	if len(inputs) == 0 {
		return template
	}

	// Sorted iteration keeps the substitution order stable.
	keys := make([]string, 0, len(inputs))
	for key := range inputs {
		if strings.HasPrefix(key, domain.ReservedInputPrefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := template
	for _, key := range keys {
		out = strings.ReplaceAll(out, "{{"+key+"}}", inputs[key])
	}
	return out
}
