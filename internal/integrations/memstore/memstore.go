package memstore

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"triagebot/internal/domain"
)

// Store is an in-memory ticket store for rehearsals and tests. It is safe
// for concurrent use.
type Store struct {
	mu      sync.Mutex
	order   []string
	tickets map[string]domain.Ticket
	writes  []Write
}

// Write records one UpdateField call.
type Write struct {
	Key   string
	Field string
	Value domain.Value
}

func New(tickets ...domain.Ticket) *Store {
	s := &Store{tickets: make(map[string]domain.Ticket, len(tickets))}
	for _, t := range tickets {
		s.Put(t)
	}
	return s
}

type ticketFile struct {
	Tickets []struct {
		Key         string            `yaml:"key"`
		Summary     string            `yaml:"summary"`
		Description string            `yaml:"description"`
		Fields      map[string]string `yaml:"fields"`
	} `yaml:"tickets"`
}

// Load reads tickets from a YAML file of the form
//
//	tickets:
//	  - key: OCPBUGS-1
//	    summary: kubelet panics
//	    fields: {components: "Node"}
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ticket file: %w", err)
	}
	var f ticketFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ticket file yaml: %w", err)
	}
	s := New()
	for _, raw := range f.Tickets {
		if strings.TrimSpace(raw.Key) == "" {
			return nil, fmt.Errorf("ticket file %s: ticket without key", path)
		}
		t := domain.Ticket{Key: raw.Key, Summary: raw.Summary, Description: raw.Description, Fields: map[string]domain.Value{}}
		for k, v := range raw.Fields {
			t.Fields[k] = domain.JoinValue(domain.Value(v).Split())
		}
		s.Put(t)
	}
	return s, nil
}

// Put inserts or replaces a ticket. Insertion order is query order.
func (s *Store) Put(t domain.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.Key]; !ok {
		s.order = append(s.order, t.Key)
	}
	fields := make(map[string]domain.Value, len(t.Fields))
	for k, v := range t.Fields {
		fields[k] = v
	}
	t.Fields = fields
	s.tickets[t.Key] = t
}

var notInRe = regexp.MustCompile(`(?i)key\s+not\s+in\s*\(([^)]*)\)`)

// QueryTickets returns every stored ticket. The only filter clause it
// understands is "key not in (...)"; anything else matches all tickets.
func (s *Store) QueryTickets(ctx context.Context, filter string) ([]domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	excluded := map[string]bool{}
	for _, m := range notInRe.FindAllStringSubmatch(filter, -1) {
		for _, k := range strings.Split(m[1], ",") {
			excluded[strings.TrimSpace(k)] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Ticket, 0, len(s.order))
	for _, key := range s.order {
		if excluded[key] {
			continue
		}
		out = append(out, s.tickets[key])
	}
	return out, nil
}

func (s *Store) FieldValue(ctx context.Context, key, field string) (domain.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return "", domain.NewErrorDetail(domain.ErrNotFound, 404, fmt.Sprintf("ticket %s does not exist", key))
	}
	return t.Fields[field], nil
}

func (s *Store) UpdateField(ctx context.Context, key, field string, value domain.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return domain.NewErrorDetail(domain.ErrNotFound, 404, fmt.Sprintf("ticket %s does not exist", key))
	}
	t.Fields[field] = value
	s.tickets[key] = t
	s.writes = append(s.writes, Write{Key: key, Field: field, Value: value})
	return nil
}

// Writes returns the updates applied so far, in call order.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}
