package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/testutil"
)

func init() {
	logging.Suppress()
}

func newTestClient(serverURL string) *Client {
	return NewClient(&Config{
		Homeserver:  serverURL,
		UserID:      testutil.FakeMatrixUserID,
		AccessToken: testutil.FakeMatrixAccessToken,
		SyncTimeout: time.Second,
		Notices:     true,
	})
}

func TestClient_SendText(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testutil.FakeMatrixAccessToken {
			t.Errorf("Authorization = %q", got)
		}
		gotPath = r.URL.EscapedPath()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"event_id":"$sent1"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	id, err := c.SendText(context.Background(), testutil.FakeRoomID, "hi *there*", "hi <em>there</em>")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "$sent1" {
		t.Errorf("event id = %q, want $sent1", id)
	}

	wantPrefix := "/_matrix/client/v3/rooms/%21ops:example.test/send/m.room.message/"
	if !strings.HasPrefix(gotPath, wantPrefix) {
		t.Errorf("path = %q, want prefix %q", gotPath, wantPrefix)
	}
	if txn := strings.TrimPrefix(gotPath, wantPrefix); len(txn) != 36 {
		t.Errorf("txn id = %q, want a uuid", txn)
	}

	want := map[string]any{
		"msgtype":        "m.notice",
		"body":           "hi *there*",
		"format":         FormatHTML,
		"formatted_body": "hi <em>there</em>",
	}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("content[%q] = %v, want %v", k, gotBody[k], v)
		}
	}
}

func TestClient_SendTextWithoutHTML(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"event_id":"$x"}`))
	}))
	defer server.Close()

	c := NewClient(&Config{Homeserver: server.URL, AccessToken: testutil.FakeMatrixAccessToken})
	if _, err := c.SendText(context.Background(), testutil.FakeRoomID, "plain", ""); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if gotBody["msgtype"] != "m.text" {
		t.Errorf("msgtype = %v, want m.text", gotBody["msgtype"])
	}
	if _, ok := gotBody["formatted_body"]; ok {
		t.Error("formatted_body sent for a plain message")
	}
}

func TestClient_SendReaction(t *testing.T) {
	var gotPath string
	var gotBody struct {
		RelatesTo struct {
			RelType string `json:"rel_type"`
			EventID string `json:"event_id"`
			Key     string `json:"key"`
		} `json:"m.relates_to"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"event_id":"$r"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if err := c.SendReaction(context.Background(), testutil.FakeRoomID, "$target", "🎉"); err != nil {
		t.Fatalf("SendReaction() error: %v", err)
	}

	if !strings.Contains(gotPath, "/send/m.reaction/") {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.RelatesTo.RelType != RelAnnotation || gotBody.RelatesTo.EventID != "$target" || gotBody.RelatesTo.Key != "🎉" {
		t.Errorf("relates_to = %+v", gotBody.RelatesTo)
	}
}

func TestClient_MatrixError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"You are not in this room"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.SendText(context.Background(), testutil.FakeRoomID, "hi", "")

	var matrixErr *Error
	if !errors.As(err, &matrixErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if matrixErr.StatusCode != http.StatusForbidden || matrixErr.Message != "You are not in this room" {
		t.Errorf("error = %+v", matrixErr)
	}
	if !IsError(err, ErrCodeForbidden) || IsError(err, ErrCodeUnknownToken) {
		t.Error("IsError mismatch")
	}
}

func TestClient_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Whoami(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unexpected 502") {
		t.Errorf("error = %v, want unexpected 502", err)
	}
}

func TestClient_Whoami(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"user_id":"@semabot:example.test"}`))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami() error: %v", err)
	}
	if got != testutil.FakeMatrixUserID {
		t.Errorf("Whoami() = %q", got)
	}
}

func TestClient_SyncQuery(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"next_batch":"s2","rooms":{"join":{"!ops:example.test":{"timeline":{"events":[{"event_id":"$1","type":"m.room.message","sender":"@a:x","content":{"msgtype":"m.text","body":"hi"}}]}}}}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	if _, err := c.Sync(context.Background(), "", time.Second); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	resp, err := c.Sync(context.Background(), "s1", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	if queries[0] != "timeout=0" {
		t.Errorf("initial query = %q", queries[0])
	}
	if queries[1] != "since=s1&timeout=1500" {
		t.Errorf("query = %q", queries[1])
	}
	if resp.NextBatch != "s2" {
		t.Errorf("NextBatch = %q", resp.NextBatch)
	}
	events := resp.Rooms.Join[testutil.FakeRoomID].Timeline.Events
	if len(events) != 1 || events[0].Content["body"] != "hi" {
		t.Errorf("events = %+v", events)
	}
}
