package dispatch

import "strings"

// Render substitutes {{key}} tokens in content with values from props.
// Substitution is literal: tokens without a matching prop stay in the text,
// and rendering the same inputs always yields the same output.
func Render(content string, props map[string]string) string {
	for key, value := range props {
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content
}
