package convo

import (
	"fmt"
	"regexp"
)

// templateToken matches {{vars.key}} and {{responses.key}} substitution
// tokens, with optional whitespace inside the braces.
var templateToken = regexp.MustCompile(`\{\{\s*(vars|responses)\.([A-Za-z0-9_.-]+)\s*\}\}`)

// RenderTemplate rewrites substitution tokens against a read-only snapshot of
// the conversation's variables and captured responses. Unknown keys render as
// the empty string. Re-applying the function to already-rendered text is a
// no-op, since rendered output carries no remaining tokens.
func RenderTemplate(text string, vars map[string]any, responses map[string]string) string {
	return templateToken.ReplaceAllStringFunc(text, func(tok string) string {
		m := templateToken.FindStringSubmatch(tok)
		switch m[1] {
		case "vars":
			if v, ok := vars[m[2]]; ok {
				return fmt.Sprint(v)
			}
		case "responses":
			if v, ok := responses[m[2]]; ok {
				return v
			}
		}
		return ""
	})
}
