package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"triagebot/internal/domain"
)

func TestQueryHonoursKeyExclusion(t *testing.T) {
	s := New(
		domain.Ticket{Key: "A-1"},
		domain.Ticket{Key: "A-2"},
		domain.Ticket{Key: "A-3"},
	)
	got, err := s.QueryTickets(context.Background(), "(project = A) AND key not in (A-1, A-3) ORDER BY key")
	if err != nil {
		t.Fatalf("QueryTickets failed: %v", err)
	}
	if len(got) != 1 || got[0].Key != "A-2" {
		t.Fatalf("unexpected tickets: %+v", got)
	}
}

func TestUpdateFieldRecordsWrites(t *testing.T) {
	s := New(domain.Ticket{Key: "A-1", Fields: map[string]domain.Value{"team": "Old"}})
	ctx := context.Background()

	if err := s.UpdateField(ctx, "A-1", "components", "API, UI"); err != nil {
		t.Fatalf("UpdateField failed: %v", err)
	}
	v, err := s.FieldValue(ctx, "A-1", "components")
	if err != nil || v != "API, UI" {
		t.Fatalf("unexpected value %q err=%v", v, err)
	}
	tickets, _ := s.QueryTickets(ctx, "")
	if tickets[0].Fields["components"] != "API, UI" {
		t.Fatalf("query must see the update, got %q", tickets[0].Fields["components"])
	}
	if w := s.Writes(); len(w) != 1 || w[0].Field != "components" {
		t.Fatalf("unexpected writes: %+v", w)
	}

	err = s.UpdateField(ctx, "A-9", "team", "X")
	var detail *domain.ErrorDetail
	if !errors.As(err, &detail) || detail.Kind != domain.ErrNotFound {
		t.Fatalf("expected not_found detail, got %v", err)
	}
}

func TestPutCopiesFields(t *testing.T) {
	fields := map[string]domain.Value{"team": "Node"}
	s := New(domain.Ticket{Key: "A-1", Fields: fields})
	fields["team"] = "Changed"
	if v, _ := s.FieldValue(context.Background(), "A-1", "team"); v != "Node" {
		t.Fatalf("store must not alias caller fields, got %q", v)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.yaml")
	content := `tickets:
  - key: OCPBUGS-1
    summary: kubelet panics
    fields:
      components: "Node,  Kubelet"
      team: Node
  - key: OCPBUGS-2
    summary: pvc stuck
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tickets, _ := s.QueryTickets(context.Background(), "")
	if len(tickets) != 2 || tickets[0].Key != "OCPBUGS-1" {
		t.Fatalf("unexpected tickets: %+v", tickets)
	}
	if tickets[0].Fields["components"] != "Node, Kubelet" {
		t.Fatalf("components not canonicalized: %q", tickets[0].Fields["components"])
	}

	if err := os.WriteFile(path, []byte("tickets:\n  - summary: no key\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for ticket without key")
	}
}
