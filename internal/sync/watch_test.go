package sync

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fakeRegistrar struct {
	result WatchResult
	topics []string
}

func (r *fakeRegistrar) Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResult, error) {
	r.topics = append(r.topics, topic)
	res := r.result
	return &res, nil
}

func TestWatchRefreshSeedsUnsetCursor(t *testing.T) {
	store := &memStore{}
	mail := &recordingSink{name: "email", transport: "smtp"}
	reg := &fakeRegistrar{result: WatchResult{HistoryID: "777", Expiration: time.Now().Add(7 * 24 * time.Hour)}}
	w := &WatchRefresher{
		Registrar:       reg,
		Topic:           "projects/p/topics/gmail",
		Gate:            NewGate(store, GateOptions{}),
		Fanout:          NewFanout([]Route{{Sink: mail}}, FanoutOptions{}, testLogger),
		NotifyTransport: "smtp",
		Logger:          testLogger,
	}

	res, err := w.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.HistoryID != "777" || store.get() != "777" {
		t.Fatalf("history id = %s, cursor = %s", res.HistoryID, store.get())
	}
	if len(mail.direct) != 1 || !strings.Contains(mail.direct[0], "projects/p/topics/gmail") {
		t.Fatalf("notice = %q", mail.direct)
	}

	// An existing cursor is never moved by a watch refresh
	reg.result.HistoryID = "900"
	if _, err := w.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if store.get() != "777" {
		t.Fatalf("cursor moved to %s", store.get())
	}
}

func TestWatchRefreshNeedsTopic(t *testing.T) {
	w := &WatchRefresher{Registrar: &fakeRegistrar{}, Logger: testLogger}
	if _, err := w.Refresh(context.Background()); err == nil {
		t.Fatal("expected error without topic")
	}
}
