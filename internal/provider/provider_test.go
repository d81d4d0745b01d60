package provider

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Provider
	}{
		{"claude", Claude},
		{"CLAUDE", Claude},
		{"  codex ", Codex},
		{"Gemini", Gemini},
		{"cursor", Cursor},
		{"copilot", Copilot},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := Parse("chatgpt"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := Parse(""); err == nil {
		t.Error("expected error for empty provider")
	}
}

func TestAllHaveDisplayNames(t *testing.T) {
	for _, p := range All() {
		if p.DisplayName() == "" || p.DisplayName() == string(p) {
			t.Errorf("provider %q lacks a display name", p)
		}
	}
}
