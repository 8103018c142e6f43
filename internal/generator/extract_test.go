package generator

import "testing"

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare code", "func RunTool(input string) (string, error) { return input, nil }", "func RunTool(input string) (string, error) { return input, nil }"},
		{"go fence", "```go\nfunc f() {}\n```", "func f() {}"},
		{"golang fence", "```golang\nfunc f() {}\n```", "func f() {}"},
		{"untagged fence", "```\nfunc f() {}\n```", "func f() {}"},
		{"surrounding prose", "Here is the implementation:\n```go\nfunc f() {}\n```\nLet me know if it works.", "func f() {}"},
		{"unclosed fence", "```go\nfunc f() {}", "func f() {}"},
		{"whitespace only", "   \n\t", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.raw); got != tt.want {
				t.Errorf("ExtractCode(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced object", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"nested braces", `{"a": {"b": [1, 2]}}`, `{"a": {"b": [1, 2]}}`},
		{"brace inside string", `{"text": "closing } inside"}`, `{"text": "closing } inside"}`},
		{"escaped quote in string", `{"text": "she said \"}\""}`, `{"text": "she said \"}\""}`},
		{"array", `[1, 2, {"a": 3}]`, `[1, 2, {"a": 3}]`},
		{"array before object", `[{"a": 1}] trailing {"b": 2}`, `[{"a": 1}]`},
		{"truncated object", `{"a": 1`, `{"a": 1`},
		{"no json at all", "no structure here", "no structure here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.raw); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
