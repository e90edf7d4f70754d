package sync

import (
	"context"
	"testing"
)

func TestLabelPolicy(t *testing.T) {
	p := NewLabelPolicy([]string{"Label_42"})
	tests := []struct {
		name string
		rec  ChangeRecord
		want bool
	}{
		{"target added", ChangeRecord{Kind: LabelsAdded, LabelIDs: []string{"INBOX", "Label_42"}}, true},
		{"other label", ChangeRecord{Kind: LabelsAdded, LabelIDs: []string{"INBOX"}}, false},
		{"target removed", ChangeRecord{Kind: LabelsRemoved, LabelIDs: []string{"Label_42"}}, false},
		{"message added", ChangeRecord{Kind: MessageAdded}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Eligible(tt.rec) && p.Match(tt.rec); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeywordPolicy(t *testing.T) {
	p := NewKeywordPolicy([]string{"Invoice", "urgent"}, false)
	if p.Eligible(ChangeRecord{Kind: MessageDeleted}) || p.Eligible(ChangeRecord{Kind: LabelsRemoved}) {
		t.Fatal("deletions must never be eligible")
	}
	if !p.Eligible(ChangeRecord{Kind: MessageAdded}) {
		t.Fatal("added messages must be eligible")
	}
	if p.Eligible(ChangeRecord{Kind: LabelsAdded, LabelIDs: []string{"STARRED"}}) {
		t.Fatal("label changes on existing messages must not be eligible")
	}
	if !p.Match(ChangeRecord{Kind: MessageAdded, Subject: "Your Invoice #4", Enriched: true}) {
		t.Fatal("keyword in subject should match")
	}
	if p.Match(ChangeRecord{Kind: MessageAdded, Subject: "your invoice", Enriched: true}) {
		t.Fatal("matching is case-sensitive")
	}
	if p.Match(ChangeRecord{Kind: MessageAdded, Subject: PlaceholderSubject + " Invoice"}) {
		t.Fatal("unenriched records never match")
	}

	unread := NewKeywordPolicy([]string{"Invoice"}, true)
	if unread.Match(ChangeRecord{Subject: "Invoice", Enriched: true, CurrentLabels: []string{"INBOX"}}) {
		t.Fatal("read message matched with require-unread")
	}
	if !unread.Match(ChangeRecord{Subject: "Invoice", Enriched: true, CurrentLabels: []string{"UNREAD"}}) {
		t.Fatal("unread message should match")
	}
}

func TestSelectPreservesOrder(t *testing.T) {
	in := []ChangeRecord{
		{MessageID: "1", Kind: LabelsAdded, LabelIDs: []string{"L"}},
		{MessageID: "2", Kind: LabelsAdded, LabelIDs: []string{"X"}},
		{MessageID: "3", Kind: LabelsAdded, LabelIDs: []string{"L"}},
	}
	out := Select(in, NewLabelPolicy([]string{"L"}).Eligible)
	if len(out) != 2 || out[0].MessageID != "1" || out[1].MessageID != "3" {
		t.Fatalf("Select = %+v", out)
	}
}

func TestNewPolicy(t *testing.T) {
	if _, err := NewPolicy("label", nil, nil, false); err == nil {
		t.Fatal("label policy without labels should fail")
	}
	if _, err := NewPolicy("keyword", nil, nil, false); err == nil {
		t.Fatal("keyword policy without keywords should fail")
	}
	if _, err := NewPolicy("regex", nil, nil, false); err == nil {
		t.Fatal("unknown policy should fail")
	}
	p, err := NewPolicy("keyword", nil, []string{"a"}, false)
	if err != nil || p.Name() != "keyword" {
		t.Fatalf("NewPolicy = %v, %v", p, err)
	}
	if kinds := DefaultKinds(NewLabelPolicy([]string{"L"})); len(kinds) != 1 || kinds[0] != LabelsAdded {
		t.Fatalf("DefaultKinds(label) = %v", kinds)
	}
	if kinds := DefaultKinds(p); len(kinds) != 1 || kinds[0] != MessageAdded {
		t.Fatalf("DefaultKinds(keyword) = %v", kinds)
	}
}

func TestEnrichIsolatesFailures(t *testing.T) {
	lookup := &mapLookup{
		metas: map[string]MessageMeta{
			"M1": {MessageID: "M1", Subject: "first"},
			"M3": {MessageID: "M3", Subject: "third"},
		},
		fail: map[string]bool{"M2": true},
	}
	in := []ChangeRecord{
		{MessageID: "M1", Kind: LabelsAdded},
		{MessageID: "M2", Kind: LabelsAdded},
		{MessageID: "M3", Kind: LabelsAdded},
		{MessageID: "M1", Kind: MessageAdded},
	}
	out := NewEnricher(lookup, testLogger).Enrich(context.Background(), in)
	if len(out) != 4 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Subject != "first" || !out[0].Enriched {
		t.Fatalf("M1 = %+v", out[0])
	}
	if out[1].Subject != PlaceholderSubject || out[1].Enriched {
		t.Fatalf("M2 = %+v", out[1])
	}
	if out[2].Subject != "third" || out[3].Subject != "first" {
		t.Fatalf("out = %+v", out)
	}
	if len(lookup.calls) != 3 {
		t.Fatalf("lookups = %v, want one per message", lookup.calls)
	}
	if in[0].Subject != "" {
		t.Fatal("Enrich modified its input")
	}
}
