package domain

import "strings"

// JoinValue builds the canonical form of a multi-valued field: trimmed,
// de-duplicated case-insensitively, first spelling kept, joined by ", ".
func JoinValue(parts []string) Value {
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		key := strings.ToLower(p)
		if p == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return Value(strings.Join(out, ", "))
}

// Split returns the individual entries of a multi-valued field.
func (v Value) Split() []string {
	var out []string
	for _, p := range strings.Split(string(v), ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Equal compares two values ignoring surrounding whitespace and the order
// of list entries. Case is significant: a case-only fix is a real change.
func (v Value) Equal(other Value) bool {
	a, b := v.Split(), other.Split()
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, s := range a {
		set[s]++
	}
	for _, s := range b {
		if set[s] == 0 {
			return false
		}
		set[s]--
	}
	return true
}
