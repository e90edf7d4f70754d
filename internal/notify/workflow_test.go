package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

func TestWorkflowSinkDispatch(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWorkflowSink(context.Background(), WorkflowConfig{
		APIURL:   srv.URL,
		Repo:     "acme/jobs",
		Workflow: "run-daily.yml",
		Token:    "ghp_test",
		Confirm:  true,
	})
	if err != nil {
		t.Fatalf("NewWorkflowSink: %v", err)
	}
	res, err := sink.Send(context.Background(), sync.Notification{Records: []sync.ChangeRecord{{MessageID: "M1"}}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/repos/acme/jobs/actions/workflows/run-daily.yml/dispatches" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Bearer ghp_test" || gotBody["ref"] != "main" {
		t.Fatalf("auth = %q, body = %v", gotAuth, gotBody)
	}
	if !strings.HasPrefix(res.Response, "204") {
		t.Fatalf("response = %q", res.Response)
	}

	subject, body, ok := sink.Confirmation(res)
	if !ok || !strings.Contains(subject, "run-daily.yml") || !strings.Contains(body, "204") {
		t.Fatalf("confirmation = %q / %q / %v", subject, body, ok)
	}
}

func TestWorkflowSinkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"No ref found for: nope"}`))
	}))
	defer srv.Close()

	sink, err := NewWorkflowSink(context.Background(), WorkflowConfig{
		APIURL: srv.URL, Repo: "acme/jobs", Workflow: "w.yml", Ref: "nope", Token: "t",
	})
	if err != nil {
		t.Fatalf("NewWorkflowSink: %v", err)
	}
	_, err = sink.Send(context.Background(), sync.Notification{})
	if err == nil || !strings.Contains(err.Error(), "No ref found") {
		t.Fatalf("error = %v", err)
	}
	if _, _, ok := sink.Confirmation(&sync.SinkResult{}); ok {
		t.Fatal("confirmation enabled without Confirm")
	}
}
