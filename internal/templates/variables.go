package templates

import (
	"regexp"
	"sort"
)

// placeholderPattern matches {{name}} markers in subject and HTML content.
// Whitespace padding inside the braces is tolerated on input and stripped.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_.-]*)\s*\}\}`)

// ExtractVariables returns the sorted, de-duplicated set of {{name}}
// placeholders found across the provided content fragments.
func ExtractVariables(fragments ...string) []string {
	seen := make(map[string]struct{})
	for _, fragment := range fragments {
		for _, match := range placeholderPattern.FindAllStringSubmatch(fragment, -1) {
			seen[match[1]] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// recomputeVariables refreshes the derived placeholder set after a content
// change. Only subject and HTML content feed the set; plain text mirrors
// the HTML body and carries no authoritative placeholders.
func recomputeVariables(template *Template) {
	template.SetVariables(ExtractVariables(template.Subject, template.HTMLContent))
}
