package llm

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnowledgeBase describes the teams and components a ticket may be routed
// to. It is rendered into the system prompt.
type KnowledgeBase struct {
	Teams      []TeamEntry    `yaml:"teams"`
	Components []string       `yaml:"components"`
	Terms      []GlossaryTerm `yaml:"terms"`
}

type TeamEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Components  []string `yaml:"components"`
}

// GlossaryTerm maps a phrase seen in tickets to a likely owner.
type GlossaryTerm struct {
	Phrase    string `yaml:"phrase"`
	Team      string `yaml:"team"`
	Component string `yaml:"component"`
}

func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("parse knowledge base yaml: %w", err)
	}
	return &kb, nil
}

func normalizeTextToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Hints returns the glossary terms whose phrase appears in text.
func (kb *KnowledgeBase) Hints(text string) []GlossaryTerm {
	if kb == nil {
		return nil
	}
	text = normalizeTextToken(text)
	var out []GlossaryTerm
	for _, term := range kb.Terms {
		phrase := normalizeTextToken(term.Phrase)
		if phrase != "" && strings.Contains(text, phrase) {
			out = append(out, term)
		}
	}
	return out
}

func (kb *KnowledgeBase) render() string {
	if kb == nil {
		return ""
	}
	var b strings.Builder
	if len(kb.Teams) > 0 {
		b.WriteString("Teams:\n")
		for _, t := range kb.Teams {
			fmt.Fprintf(&b, "- %s", t.Name)
			if t.Description != "" {
				fmt.Fprintf(&b, ": %s", t.Description)
			}
			if len(t.Components) > 0 {
				fmt.Fprintf(&b, " (components: %s)", strings.Join(t.Components, ", "))
			}
			b.WriteString("\n")
		}
	}
	components := append([]string(nil), kb.Components...)
	for _, t := range kb.Teams {
		components = append(components, t.Components...)
	}
	components = uniqueSorted(components)
	if len(components) > 0 {
		fmt.Fprintf(&b, "Valid components: %s\n", strings.Join(components, ", "))
	}
	return b.String()
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
