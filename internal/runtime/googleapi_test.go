package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/chronoreply/internal/gmail"
)

type fakeGmailAPI struct {
	mu             sync.Mutex
	labels         []*gmail.Label
	createCalls    int
	createConflict bool
	created        *gmail.Label
}

func (f *fakeGmailAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/users/me/labels") && r.Method == http.MethodGet:
		_ = json.NewEncoder(w).Encode(&gmail.ListLabelsResponse{Labels: f.labels})
	case strings.HasSuffix(r.URL.Path, "/users/me/labels") && r.Method == http.MethodPost:
		f.createCalls++
		var lbl gmail.Label
		_ = json.NewDecoder(r.Body).Decode(&lbl)
		f.created = &lbl
		if f.createConflict {
			// a concurrent writer won the race
			f.labels = append(f.labels, &gmail.Label{Id: "Label_race", Name: lbl.Name})
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"code":409,"message":"Label name exists or conflicts"}}`)
			return
		}
		lbl.Id = "Label_new"
		_ = json.NewEncoder(w).Encode(&lbl)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprintf(w, `{"error":{"code":404,"message":"no route %s"}}`, r.URL.Path)
	}
}

func newTestClient(t *testing.T, api http.Handler) *googleClient {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	svc, err := gmail.NewService(
		context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return NewGoogleAPIClient(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var vacation = gc.LabelSpec{Name: "onVacation", LabelListVisibility: "labelShow", MessageListVisibility: "show"}

func TestEnsureLabelReusesExisting(t *testing.T) {
	api := &fakeGmailAPI{labels: []*gmail.Label{{Id: "INBOX", Name: "INBOX"}, {Id: "Label_7", Name: "onVacation"}}}
	client := newTestClient(t, api)

	id, err := client.EnsureLabel(context.Background(), vacation)
	if err != nil {
		t.Fatalf("ensure label: %v", err)
	}
	if id != "Label_7" {
		t.Fatalf("got id %q", id)
	}
	if api.createCalls != 0 {
		t.Fatalf("expected no create, got %d", api.createCalls)
	}
}

func TestEnsureLabelCreatesOnce(t *testing.T) {
	api := &fakeGmailAPI{labels: []*gmail.Label{{Id: "INBOX", Name: "INBOX"}}}
	client := newTestClient(t, api)

	id, err := client.EnsureLabel(context.Background(), vacation)
	if err != nil {
		t.Fatalf("ensure label: %v", err)
	}
	if id != "Label_new" {
		t.Fatalf("got id %q", id)
	}
	if api.createCalls != 1 {
		t.Fatalf("expected exactly one create, got %d", api.createCalls)
	}
	if api.created.LabelListVisibility != "labelShow" || api.created.MessageListVisibility != "show" {
		t.Fatalf("unexpected visibility: %+v", api.created)
	}
}

func TestEnsureLabelConflictRelists(t *testing.T) {
	api := &fakeGmailAPI{createConflict: true}
	client := newTestClient(t, api)

	id, err := client.EnsureLabel(context.Background(), vacation)
	if err != nil {
		t.Fatalf("ensure label: %v", err)
	}
	if id != "Label_race" {
		t.Fatalf("got id %q", id)
	}
}

func TestIsBreakerSuccess(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"not-found", &googleapi.Error{Code: http.StatusNotFound}, true},
		{"conflict", fmt.Errorf("wrap: %w", &googleapi.Error{Code: http.StatusConflict}), true},
		{"throttled", &googleapi.Error{Code: http.StatusTooManyRequests}, false},
		{"server", &googleapi.Error{Code: http.StatusBadGateway}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			if got := isBreakerSuccess(tc.err); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(fmt.Errorf("create: %w", &googleapi.Error{Code: http.StatusConflict})) {
		t.Fatalf("expected wrapped 409 to be a conflict")
	}
	if IsConflict(&googleapi.Error{Code: http.StatusBadRequest}) {
		t.Fatalf("400 is not a conflict")
	}
}

type recordedRequest struct {
	method string
	path   string
	body   []byte
}

// scriptedAPI answers every request with respond and records what it saw.
type scriptedAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (s *scriptedAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{method: r.Method, path: r.URL.Path, body: body})
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	s.respond(w, r, body)
}

func (s *scriptedAPI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestBreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"code":500,"message":"backend error"}}`)
	}}
	client := newTestClient(t, api)
	ctx := context.Background()

	for i := 1; i <= breakerFailures; i++ {
		_, err := client.List(ctx, gc.Query{Raw: "is:unread"}, "", 10)
		if err == nil {
			t.Fatalf("call %d: expected server error", i)
		}
		if errors.Is(err, gc.ErrUnavailable) {
			t.Fatalf("call %d: breaker opened too early: %v", i, err)
		}
	}

	_, err := client.List(ctx, gc.Query{Raw: "is:unread"}, "", 10)
	if !errors.Is(err, gc.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once the breaker is open, got %v", err)
	}
	if _, sendErr := client.Send(ctx, "cmF3"); !errors.Is(sendErr, gc.ErrUnavailable) {
		t.Fatalf("send should also fail fast while open, got %v", sendErr)
	}
	if got := api.calls(); got != breakerFailures {
		t.Fatalf("server saw %d calls, want %d", got, breakerFailures)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"not found"}}`)
	}}
	client := newTestClient(t, api)

	for i := 0; i < breakerFailures+2; i++ {
		_, err := client.GetThread(context.Background(), "missing")
		if errors.Is(err, gc.ErrUnavailable) {
			t.Fatalf("call %d: 404s must not open the breaker", i)
		}
	}
	if got := api.calls(); got != breakerFailures+2 {
		t.Fatalf("server saw %d calls", got)
	}
}

func TestGetMetadataCanonicalizesHeaders(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_ = json.NewEncoder(w).Encode(&gmail.Message{
			Id:       "m1",
			ThreadId: "t1",
			Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
				{Name: "FROM", Value: "a@b"},
				{Name: "to", Value: "me"},
				{Name: "subject", Value: "s"},
				{Name: "list-id", Value: "<x>"},
			}},
		})
	}}
	client := newTestClient(t, api)

	msg, err := client.GetMetadata(context.Background(), "m1", []string{"From", "To", "Subject", "List-Id"})
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	want := map[string]string{"From": "a@b", "To": "me", "Subject": "s", "List-Id": "<x>"}
	for k, v := range want {
		if msg.Headers[k] != v {
			t.Fatalf("header %s: got %q want %q (all: %v)", k, msg.Headers[k], v, msg.Headers)
		}
	}
	if msg.ThreadID != "t1" {
		t.Fatalf("thread id %q", msg.ThreadID)
	}
	if p := api.requests[0].path; !strings.HasSuffix(p, "/users/me/messages/m1") {
		t.Fatalf("unexpected path %s", p)
	}
}

func TestGetThreadKeepsOrder(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_ = json.NewEncoder(w).Encode(&gmail.Thread{
			Id:       "t1",
			Messages: []*gmail.Message{{Id: "first"}, {Id: "reply"}},
		})
	}}
	client := newTestClient(t, api)

	th, err := client.GetThread(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(th.Messages) != 2 || th.Messages[0] != "first" || len(th.Replies()) != 1 {
		t.Fatalf("unexpected thread: %+v", th)
	}
}

func TestSendPostsRawUnchanged(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_ = json.NewEncoder(w).Encode(&gmail.Message{Id: "sent-1"})
	}}
	client := newTestClient(t, api)
	raw := "RnJvbTogbWUKVG86IGFsaWNlCg-_=="

	id, err := client.Send(context.Background(), raw)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "sent-1" {
		t.Fatalf("sent id %q", id)
	}
	req := api.requests[0]
	if req.method != http.MethodPost || !strings.HasSuffix(req.path, "/users/me/messages/send") {
		t.Fatalf("unexpected request %s %s", req.method, req.path)
	}
	var posted gmail.Message
	if err := json.Unmarshal(req.body, &posted); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if posted.Raw != raw {
		t.Fatalf("raw changed in transit: got %q want %q", posted.Raw, raw)
	}
}

func TestModifyPostsAddLabelIDs(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_ = json.NewEncoder(w).Encode(&gmail.Message{Id: "m1"})
	}}
	client := newTestClient(t, api)

	if err := client.Modify(context.Background(), "m1", gc.ModifyOps{AddLabels: []gc.LabelID{"Label_7"}}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	req := api.requests[0]
	if !strings.HasSuffix(req.path, "/users/me/messages/m1/modify") {
		t.Fatalf("unexpected path %s", req.path)
	}
	var posted gmail.ModifyMessageRequest
	if err := json.Unmarshal(req.body, &posted); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(posted.AddLabelIds) != 1 || posted.AddLabelIds[0] != "Label_7" {
		t.Fatalf("unexpected addLabelIds %v", posted.AddLabelIds)
	}
	if len(posted.RemoveLabelIds) != 0 {
		t.Fatalf("unexpected removeLabelIds %v", posted.RemoveLabelIds)
	}
}

func TestListMapsRefsAndPageToken(t *testing.T) {
	api := &scriptedAPI{respond: func(w http.ResponseWriter, r *http.Request, _ []byte) {
		if q := r.URL.Query().Get("q"); q != "is:unread" {
			t.Errorf("query %q", q)
		}
		if tok := r.URL.Query().Get("pageToken"); tok != "p2" {
			t.Errorf("page token %q", tok)
		}
		_ = json.NewEncoder(w).Encode(&gmail.ListMessagesResponse{
			Messages:      []*gmail.Message{{Id: "m1", ThreadId: "t1"}},
			NextPageToken: "p3",
		})
	}}
	client := newTestClient(t, api)

	page, err := client.List(context.Background(), gc.Query{Raw: "is:unread"}, "p2", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0] != (gc.MessageRef{ID: "m1", ThreadID: "t1"}) {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.NextPageToken != "p3" {
		t.Fatalf("next token %q", page.NextPageToken)
	}
}
