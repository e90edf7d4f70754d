package sync

import (
	"fmt"
	"strings"
)

const unreadLabel = "UNREAD"

// Policy decides which change records are worth a notification. Eligible is
// applied before enrichment, Match after it.
type Policy interface {
	Name() string
	Eligible(r ChangeRecord) bool
	Match(r ChangeRecord) bool
}

// Select keeps the records accepted by keep, preserving order
func Select(records []ChangeRecord, keep func(ChangeRecord) bool) []ChangeRecord {
	var out []ChangeRecord
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// LabelPolicy matches labelAdded events that carry any target label.
type LabelPolicy struct {
	targets map[string]struct{}
}

func NewLabelPolicy(labels []string) *LabelPolicy {
	p := &LabelPolicy{targets: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			p.targets[l] = struct{}{}
		}
	}
	return p
}

func (p *LabelPolicy) Name() string { return "label" }

func (p *LabelPolicy) Eligible(r ChangeRecord) bool {
	if r.Kind != LabelsAdded {
		return false
	}
	for _, l := range r.LabelIDs {
		if _, ok := p.targets[l]; ok {
			return true
		}
	}
	return false
}

// Match is decided entirely by Eligible; the subject is not needed.
func (p *LabelPolicy) Match(ChangeRecord) bool { return true }

// KeywordPolicy matches added messages whose subject contains a keyword.
// Matching is a case-sensitive substring test.
type KeywordPolicy struct {
	keywords      []string
	requireUnread bool
}

func NewKeywordPolicy(keywords []string, requireUnread bool) *KeywordPolicy {
	p := &KeywordPolicy{requireUnread: requireUnread}
	for _, k := range keywords {
		if k != "" {
			p.keywords = append(p.keywords, k)
		}
	}
	return p
}

func (p *KeywordPolicy) Name() string { return "keyword" }

// Eligible keeps newly added messages only; label changes on existing
// messages never re-announce them.
func (p *KeywordPolicy) Eligible(r ChangeRecord) bool {
	return r.Kind == MessageAdded
}

func (p *KeywordPolicy) Match(r ChangeRecord) bool {
	if !r.Enriched {
		return false
	}
	if p.requireUnread && !contains(r.CurrentLabels, unreadLabel) {
		return false
	}
	for _, k := range p.keywords {
		if strings.Contains(r.Subject, k) {
			return true
		}
	}
	return false
}

// DefaultKinds returns the event kinds a policy needs from the history source
func DefaultKinds(p Policy) []EventKind {
	switch p.(type) {
	case *LabelPolicy:
		return []EventKind{LabelsAdded}
	case *KeywordPolicy:
		return []EventKind{MessageAdded}
	}
	return AllEventKinds
}

// NewPolicy builds a policy by name
func NewPolicy(name string, labels, keywords []string, requireUnread bool) (Policy, error) {
	switch name {
	case "label", "":
		if len(labels) == 0 {
			return nil, fmt.Errorf("label policy needs at least one target label")
		}
		return NewLabelPolicy(labels), nil
	case "keyword":
		if len(keywords) == 0 {
			return nil, fmt.Errorf("keyword policy needs at least one keyword")
		}
		return NewKeywordPolicy(keywords, requireUnread), nil
	}
	return nil, fmt.Errorf("unknown selection policy %q", name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
