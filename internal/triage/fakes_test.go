package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"triagebot/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	tickets  []domain.Ticket
	queryErr error
	values   map[string]domain.Value
	// updateErrs is consumed one error per UpdateField call for that ticket.
	updateErrs map[string][]error
	// landOnError stores the value even when the queued error is returned.
	landOnError map[string]bool
	writes      []string
	onUpdate    func(key string)
}

func newFakeStore(tickets ...domain.Ticket) *fakeStore {
	return &fakeStore{
		tickets:     tickets,
		values:      map[string]domain.Value{},
		updateErrs:  map[string][]error{},
		landOnError: map[string]bool{},
	}
}

func (s *fakeStore) QueryTickets(ctx context.Context, filter string) ([]domain.Ticket, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]domain.Ticket(nil), s.tickets...), nil
}

func (s *fakeStore) FieldValue(ctx context.Context, key, field string) (domain.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key+"/"+field], nil
}

func (s *fakeStore) UpdateField(ctx context.Context, key, field string, value domain.Value) error {
	s.mu.Lock()
	s.writes = append(s.writes, fmt.Sprintf("%s/%s=%s", key, field, value))
	var err error
	if queue := s.updateErrs[key]; len(queue) > 0 {
		err = queue[0]
		s.updateErrs[key] = queue[1:]
	}
	if err == nil || s.landOnError[key] {
		s.values[key+"/"+field] = value
	}
	hook := s.onUpdate
	s.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return err
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fakeProducer struct {
	mu    sync.Mutex
	recs  map[string][]domain.RawRecommendation
	errs  map[string]error
	calls []string
}

func (p *fakeProducer) Recommend(ctx context.Context, t domain.Ticket) ([]domain.RawRecommendation, error) {
	p.mu.Lock()
	p.calls = append(p.calls, t.Key)
	p.mu.Unlock()
	if err := p.errs[t.Key]; err != nil {
		return nil, err
	}
	return p.recs[t.Key], nil
}

func ticket(key string) domain.Ticket {
	return domain.Ticket{Key: key, Summary: "summary of " + key, Fields: map[string]domain.Value{}}
}

func raw(field string, proposed any, confidence any) domain.RawRecommendation {
	return domain.RawRecommendation{
		Field:      field,
		Proposed:   mustJSON(proposed),
		Confidence: mustJSON(confidence),
		Rationale:  "matches component keywords",
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func rec(key, field string, proposed domain.Value, confidence float64) domain.Recommendation {
	return domain.Recommendation{
		Ticket:        domain.TicketRef{Key: key},
		Field:         field,
		ProposedValue: proposed,
		Confidence:    confidence,
	}
}
