package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

func TestComposeMessage(t *testing.T) {
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, err := composeMessage("relay@example.com", []string{"a@example.com", "b@example.com"},
		"2 new changes", "1. Quarterly report\n", date)
	if err != nil {
		t.Fatalf("composeMessage: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	subject, err := mr.Header.Subject()
	if err != nil || subject != "2 new changes" {
		t.Fatalf("subject = %q, %v", subject, err)
	}
	to, err := mr.Header.AddressList("To")
	if err != nil || len(to) != 2 || to[1].Address != "b@example.com" {
		t.Fatalf("to = %v, %v", to, err)
	}
	if got, _ := mr.Header.Date(); !got.Equal(date) {
		t.Fatalf("date = %v", got)
	}
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	if string(body) != "1. Quarterly report\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestEmailSinkSend(t *testing.T) {
	sink, err := NewEmailSink(SMTPConfig{Host: "smtp.example.com", From: "relay@example.com", To: []string{"me@example.com"}})
	if err != nil {
		t.Fatalf("NewEmailSink: %v", err)
	}
	var gotFrom string
	var gotMsg string
	sink.send = func(ctx context.Context, from string, to []string, msg io.Reader) error {
		gotFrom = from
		b, _ := io.ReadAll(msg)
		gotMsg = string(b)
		return nil
	}

	res, err := sink.Send(context.Background(), sync.Notification{Subject: "hello", Body: "body text"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotFrom != "relay@example.com" || !strings.Contains(gotMsg, "Subject: hello") || !strings.Contains(gotMsg, "body text") {
		t.Fatalf("from = %s, message:\n%s", gotFrom, gotMsg)
	}
	if !strings.Contains(res.Response, "1 recipient") {
		t.Fatalf("response = %q", res.Response)
	}

	sink.send = func(context.Context, string, []string, io.Reader) error { return errors.New("535 auth failed") }
	if _, err := sink.Send(context.Background(), sync.Notification{Subject: "x"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestNewEmailSinkValidates(t *testing.T) {
	if _, err := NewEmailSink(SMTPConfig{Host: "h", From: "f"}); err == nil {
		t.Fatal("expected error without recipients")
	}
}

func TestEmailSinkDialHonorsContext(t *testing.T) {
	sink, err := NewEmailSink(SMTPConfig{Host: "smtp.example.com", From: "relay@example.com", To: []string{"me@example.com"}, Timeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	var gotAddr string
	sink.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		gotAddr = addr
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = sink.SendDirect(ctx, "s", "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dial outlived the context by %s", elapsed)
	}
	if gotAddr != "smtp.example.com:465" {
		t.Fatalf("addr = %s", gotAddr)
	}
}

func TestEmailSinkDialUsesTimeout(t *testing.T) {
	sink, err := NewEmailSink(SMTPConfig{Host: "smtp.example.com", From: "relay@example.com", To: []string{"me@example.com"}, Timeout: 40 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var hadDeadline bool
	sink.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, hadDeadline = ctx.Deadline()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if err := sink.SendDirect(context.Background(), "s", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if !hadDeadline {
		t.Fatal("dial ran without a deadline")
	}
}
