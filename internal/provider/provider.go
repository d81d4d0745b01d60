// Package provider enumerates the AI coding assistant providers the tool
// tracks usage for.
package provider

import (
	"fmt"
	"strings"
)

// Provider identifies one tracked AI coding assistant.
type Provider string

const (
	Claude  Provider = "claude"
	Codex   Provider = "codex"
	Gemini  Provider = "gemini"
	Cursor  Provider = "cursor"
	Copilot Provider = "copilot"
)

// All returns every known provider in display order.
func All() []Provider {
	return []Provider{Claude, Codex, Gemini, Cursor, Copilot}
}

// Parse maps a user-supplied name to a Provider, case-insensitively.
func Parse(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude":
		return Claude, nil
	case "codex":
		return Codex, nil
	case "gemini":
		return Gemini, nil
	case "cursor":
		return Cursor, nil
	case "copilot":
		return Copilot, nil
	default:
		return "", fmt.Errorf("unknown provider %q (known: claude, codex, gemini, cursor, copilot)", name)
	}
}

func (p Provider) String() string { return string(p) }

// DisplayName returns the provider's human-readable name.
func (p Provider) DisplayName() string {
	switch p {
	case Claude:
		return "Claude Code"
	case Codex:
		return "Codex CLI"
	case Gemini:
		return "Gemini CLI"
	case Cursor:
		return "Cursor"
	case Copilot:
		return "GitHub Copilot"
	default:
		return string(p)
	}
}
