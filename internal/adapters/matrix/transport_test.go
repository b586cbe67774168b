package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/semabot/semabot/internal/comms"
	"github.com/semabot/semabot/internal/testutil"
)

type recordingHandler struct {
	mu        sync.Mutex
	messages  []*comms.IncomingMessage
	reactions []*comms.IncomingReaction
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg *comms.IncomingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleReaction(_ context.Context, r *comms.IncomingReaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactions = append(h.reactions, r)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages), len(h.reactions)
}

func timeline(events ...map[string]any) map[string]any {
	return map[string]any{
		"rooms": map[string]any{
			"join": map[string]any{
				testutil.FakeRoomID: map[string]any{
					"timeline": map[string]any{"events": events},
				},
			},
		},
	}
}

func textEvent(id, sender, msgType, body string) map[string]any {
	return map[string]any{
		"event_id": id,
		"type":     EventMessage,
		"sender":   sender,
		"content":  map[string]any{"msgtype": msgType, "body": body},
	}
}

// syncServer serves the given batches in order, then holds further syncs
// until the client gives up.
func syncServer(t *testing.T, batches []map[string]any, joined *atomic.Value) *httptest.Server {
	t.Helper()
	var n atomic.Int32

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/join/") {
			if joined != nil {
				joined.Store(strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/join/"))
			}
			_, _ = w.Write([]byte(`{"room_id":"x"}`))
			return
		}

		i := int(n.Add(1)) - 1
		if i >= len(batches) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			_, _ = w.Write([]byte(`{"next_batch":"end"}`))
			return
		}

		batch := batches[i]
		batch["next_batch"] = "s" + string(rune('1'+i))
		if since := r.URL.Query().Get("since"); i > 0 && since == "" {
			t.Errorf("sync %d sent without since", i)
		}
		_ = json.NewEncoder(w).Encode(batch)
	}))
}

func runTransport(t *testing.T, tr *Transport) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("transport did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransport_DispatchesNewEvents(t *testing.T) {
	alice := "@alice:example.test"
	batches := []map[string]any{
		// Initial sync: history from before startup.
		timeline(textEvent("$old", alice, MsgTypeText, "!sem exit")),
		timeline(
			textEvent("$own", testutil.FakeMatrixUserID, MsgTypeNotice, "🏓 pong"),
			textEvent("$bot", "@otherbot:example.test", MsgTypeNotice, "!sem run"),
			textEvent("$img", alice, "m.image", "cat.png"),
			textEvent("$1", alice, MsgTypeText, "!sem ping"),
			map[string]any{
				"event_id": "$edit",
				"type":     EventMessage,
				"sender":   alice,
				"content":  map[string]any{"msgtype": MsgTypeText, "body": "* !sem ping", "m.new_content": map[string]any{}},
			},
			map[string]any{
				"event_id": "$2",
				"type":     EventReaction,
				"sender":   alice,
				"content": map[string]any{"m.relates_to": map[string]any{
					"rel_type": RelAnnotation, "event_id": "$prompt", "key": "👍",
				}},
			},
			map[string]any{
				"event_id":  "$state",
				"type":      EventMessage,
				"sender":    alice,
				"state_key": "",
				"content":   map[string]any{"msgtype": MsgTypeText, "body": "state"},
			},
		),
	}

	server := syncServer(t, batches, nil)
	defer server.Close()

	h := &recordingHandler{}
	stop := runTransport(t, NewTransport(newTestClient(server.URL), h, WithSyncTimeout(time.Second)))

	waitFor(t, func() bool {
		m, r := h.counts()
		return m == 1 && r == 1
	})
	stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(h.messages))
	}
	msg := h.messages[0]
	if msg.Body != "!sem ping" || msg.SenderID != alice || msg.RoomID != testutil.FakeRoomID || msg.EventID != "$1" {
		t.Errorf("message = %+v", msg)
	}
	r := h.reactions[0]
	if r.TargetEventID != "$prompt" || r.Key != "👍" || r.SenderID != alice {
		t.Errorf("reaction = %+v", r)
	}
}

func TestTransport_RetriesFailedSync(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			_, _ = w.Write([]byte(`{"next_batch":"s1"}`))
		case 3:
			_ = json.NewEncoder(w).Encode(func() map[string]any {
				b := timeline(textEvent("$1", "@alice:example.test", MsgTypeText, "!sem ping"))
				b["next_batch"] = "s2"
				return b
			}())
		default:
			<-r.Context().Done()
		}
	}))
	defer server.Close()

	h := &recordingHandler{}
	tr := NewTransport(newTestClient(server.URL), h, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	stop := runTransport(t, tr)
	defer stop()

	waitFor(t, func() bool {
		m, _ := h.counts()
		return m == 1
	})
}

func TestTransport_StopsOnRejectedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`))
	}))
	defer server.Close()

	tr := NewTransport(newTestClient(server.URL), &recordingHandler{})

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !IsError(err, ErrCodeUnknownToken) {
			t.Errorf("Run() error = %v, want M_UNKNOWN_TOKEN", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestTransport_AutoJoinsAllowedInvites(t *testing.T) {
	invite := func(rooms ...string) map[string]any {
		inv := map[string]any{}
		for _, r := range rooms {
			inv[r] = map[string]any{"invite_state": map[string]any{"events": []any{}}}
		}
		return map[string]any{"rooms": map[string]any{"invite": inv}}
	}

	var joined atomic.Value
	server := syncServer(t, []map[string]any{
		{},
		invite("!elsewhere:example.test"),
		invite(testutil.FakeRoomID),
	}, &joined)
	defer server.Close()

	tr := NewTransport(newTestClient(server.URL), &recordingHandler{}, WithAutoJoin([]string{testutil.FakeRoomID}))
	stop := runTransport(t, tr)
	defer stop()

	waitFor(t, func() bool {
		v, _ := joined.Load().(string)
		return v != ""
	})
	if v := joined.Load().(string); v != "!ops:example.test" {
		t.Errorf("joined %q, want %s", v, testutil.FakeRoomID)
	}
}

func TestParseReaction_RejectsOtherRelations(t *testing.T) {
	ev := &Event{
		Type:   EventReaction,
		Sender: "@alice:example.test",
		Content: map[string]any{"m.relates_to": map[string]any{
			"rel_type": "m.thread", "event_id": "$x", "key": "👍",
		}},
	}
	if _, ok := parseReaction(testutil.FakeRoomID, ev); ok {
		t.Error("non-annotation relation accepted")
	}
}

func TestParseMessage_StripsReplyFallback(t *testing.T) {
	reply := func(body string) *Event {
		return &Event{
			Type:   EventMessage,
			Sender: "@alice:example.test",
			Content: map[string]any{
				"msgtype": MsgTypeText,
				"body":    body,
				"m.relates_to": map[string]any{
					"m.in_reply_to": map[string]any{"event_id": "$prompt"},
				},
			},
		}
	}

	tests := []struct {
		name string
		ev   *Event
		want string
	}{
		{
			name: "reply to prompt",
			ev:   reply("> <@semabot:example.test> ⚠️ @alice:example.test, start **deploy**?\n> Reply yes\n\nyes"),
			want: "yes",
		},
		{
			name: "reply without fallback",
			ev:   reply("yes"),
			want: "yes",
		},
		{
			name: "quote in a normal message is kept",
			ev:   textEventStruct("> not a reply\n\nyes"),
			want: "> not a reply\n\nyes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := parseMessage(testutil.FakeRoomID, tt.ev)
			if !ok {
				t.Fatal("message dropped")
			}
			if msg.Body != tt.want {
				t.Errorf("Body = %q, want %q", msg.Body, tt.want)
			}
		})
	}
}

func TestParseMessage_DropsEmptyReply(t *testing.T) {
	ev := &Event{
		Type:   EventMessage,
		Sender: "@alice:example.test",
		Content: map[string]any{
			"msgtype":      MsgTypeText,
			"body":         "> <@semabot:example.test> hello\n\n",
			"m.relates_to": map[string]any{"m.in_reply_to": map[string]any{"event_id": "$x"}},
		},
	}
	if _, ok := parseMessage(testutil.FakeRoomID, ev); ok {
		t.Error("reply with only a quote was accepted")
	}
}

func textEventStruct(body string) *Event {
	return &Event{
		Type:    EventMessage,
		Sender:  "@alice:example.test",
		Content: map[string]any{"msgtype": MsgTypeText, "body": body},
	}
}
