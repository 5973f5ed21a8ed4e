package convo

import "testing"

func TestRenderTemplate(t *testing.T) {
	vars := map[string]any{"name": "Ada", "count": 3}
	responses := map[string]string{"color": "blue"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"vars substitution", "Hi {{vars.name}}!", "Hi Ada!"},
		{"responses substitution", "You chose {{responses.color}}.", "You chose blue."},
		{"non-string var", "Count: {{vars.count}}", "Count: 3"},
		{"whitespace inside braces", "Hi {{ vars.name }}!", "Hi Ada!"},
		{"unknown key renders empty", "Hi {{vars.missing}}!", "Hi !"},
		{"unknown namespace untouched", "Hi {{other.name}}!", "Hi {{other.name}}!"},
		{"no tokens", "plain text", "plain text"},
		{"multiple tokens", "{{vars.name}} likes {{responses.color}}", "Ada likes blue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderTemplate(tt.in, vars, responses)
			if got != tt.want {
				t.Errorf("RenderTemplate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderTemplateIdempotent(t *testing.T) {
	vars := map[string]any{"name": "Ada"}
	once := RenderTemplate("Hi {{vars.name}} and {{vars.missing}}!", vars, nil)
	twice := RenderTemplate(once, vars, nil)
	if once != twice {
		t.Errorf("re-rendering changed output: %q -> %q", once, twice)
	}
}
