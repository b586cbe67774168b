package approval

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testKey = Key{RoomID: "!ops:example.test", SenderID: "@alice:example.test"}

func runParams() *RunParams {
	return &RunParams{ProjectID: 4, TemplateID: 7, TemplateName: "deploy"}
}

func TestManager_RequestAndConfirmByText(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	p, confirmed, err := m.Request(testKey, ActionRunTask, runParams())
	if err != nil || confirmed {
		t.Fatalf("Request = (%v, %v)", confirmed, err)
	}
	if p.ID == "" {
		t.Error("expected confirmation id")
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}

	got, decision, err := m.ResolveText(testKey, "Yes!")
	if err != nil {
		t.Fatalf("ResolveText: %v", err)
	}
	if got != p || decision != DecisionConfirmed {
		t.Errorf("ResolveText = (%v, %s)", got, decision)
	}
	if m.Len() != 0 {
		t.Errorf("Len after resolve = %d, want 0", m.Len())
	}
	if _, _, err := m.ResolveText(testKey, "yes"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second resolve err = %v, want ErrNotFound", err)
	}
}

func TestParseReply(t *testing.T) {
	tests := map[string]Decision{
		"y":          DecisionConfirmed,
		"YES":        DecisionConfirmed,
		" go ":       DecisionConfirmed,
		"start":      DecisionConfirmed,
		"ok.":        DecisionConfirmed,
		"n":          DecisionCancelled,
		"no":         DecisionCancelled,
		"cancel":     DecisionCancelled,
		"stop":       DecisionCancelled,
		"end":        DecisionCancelled,
		"nope":       DecisionCancelled,
		"yes please": DecisionCancelled,
		"maybe":      DecisionCancelled,
		"":           DecisionCancelled,
	}
	for in, want := range tests {
		if got := ParseReply(in); got != want {
			t.Errorf("ParseReply(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseReaction(t *testing.T) {
	tests := []struct {
		key   string
		want  Decision
		known bool
	}{
		{"👍", DecisionConfirmed, true},
		{"👍️", DecisionConfirmed, true},
		{"👍🏽", DecisionConfirmed, true},
		{"✔️", DecisionConfirmed, true},
		{":THUMBSUP:", DecisionConfirmed, true},
		{"👎", DecisionCancelled, true},
		{"❌", DecisionCancelled, true},
		{"😂", "", false},
	}
	for _, tt := range tests {
		got, known := ParseReaction(tt.key)
		if got != tt.want || known != tt.known {
			t.Errorf("ParseReaction(%q) = (%s, %v), want (%s, %v)", tt.key, got, known, tt.want, tt.known)
		}
	}
}

func TestManager_ResolveReaction(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	p, _, _ := m.Request(testKey, ActionRunTask, runParams())
	if !m.AttachMessage(p, "$prompt") {
		t.Fatal("AttachMessage returned false")
	}

	// Unknown emoji is ignored and leaves the confirmation pending.
	if _, _, err := m.ResolveReaction("$prompt", testKey.SenderID, "🎉"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown emoji err = %v", err)
	}

	// Someone else reacting is rejected and leaves it pending.
	got, _, err := m.ResolveReaction("$prompt", "@bob:example.test", "👍")
	if !errors.Is(err, ErrNotRequester) || got != p {
		t.Errorf("other sender = (%v, %v), want ErrNotRequester", got, err)
	}
	if m.Get(testKey) == nil {
		t.Fatal("confirmation should still be pending")
	}

	got, decision, err := m.ResolveReaction("$prompt", testKey.SenderID, "👎")
	if err != nil || got != p || decision != DecisionCancelled {
		t.Errorf("ResolveReaction = (%v, %s, %v)", got, decision, err)
	}
	if _, _, err := m.ResolveReaction("$prompt", testKey.SenderID, "👍"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolved prompt should be forgotten, err = %v", err)
	}
}

func TestManager_ConflictingAction(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	first, _, _ := m.Request(testKey, ActionRunTask, runParams())
	existing, _, err := m.Request(testKey, ActionExit, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if existing != first {
		t.Error("conflict should return the existing confirmation")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestManager_RepeatedRunReplaces(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	first, _, _ := m.Request(testKey, ActionRunTask, runParams())
	m.AttachMessage(first, "$first")
	second, _, err := m.Request(testKey, ActionRunTask, &RunParams{ProjectID: 4, TemplateID: 8})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if m.Get(testKey) != second || m.Len() != 1 {
		t.Error("second request should replace the first")
	}
	if _, _, err := m.ResolveReaction("$first", testKey.SenderID, "👍"); !errors.Is(err, ErrNotFound) {
		t.Errorf("replaced prompt should not resolve, err = %v", err)
	}
}

func TestManager_AskTwiceToExit(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	first, confirmed, err := m.Request(testKey, ActionExit, nil)
	if err != nil || confirmed {
		t.Fatalf("first exit = (%v, %v)", confirmed, err)
	}
	again, confirmed, err := m.Request(testKey, ActionExit, nil)
	if err != nil || !confirmed || again != first {
		t.Fatalf("second exit = (%v, %v, %v), want confirmed", again, confirmed, err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestManager_DifferentKeysAreIndependent(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	other := Key{RoomID: testKey.RoomID, SenderID: "@bob:example.test"}
	_, _, _ = m.Request(testKey, ActionRunTask, runParams())
	if _, _, err := m.Request(other, ActionExit, nil); err != nil {
		t.Fatalf("other requester: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestManager_TimeoutNotifiesOnce(t *testing.T) {
	var expired atomic.Int32
	done := make(chan *Pending, 4)
	m := NewManager(&Config{RunTimeout: 20 * time.Millisecond, ExitTimeout: 20 * time.Millisecond}, func(p *Pending) {
		expired.Add(1)
		done <- p
	})
	defer m.Close()

	p, _, _ := m.Request(testKey, ActionRunTask, runParams())

	select {
	case got := <-done:
		if got != p {
			t.Errorf("expired %v, want %v", got, p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback not called")
	}

	time.Sleep(50 * time.Millisecond)
	if n := expired.Load(); n != 1 {
		t.Errorf("expired %d times, want 1", n)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestManager_ResolvedBeforeTimeoutDoesNotExpire(t *testing.T) {
	var expired atomic.Int32
	m := NewManager(&Config{RunTimeout: 30 * time.Millisecond}, func(*Pending) { expired.Add(1) })
	defer m.Close()

	_, _, _ = m.Request(testKey, ActionRunTask, runParams())
	if _, _, err := m.ResolveText(testKey, "no"); err != nil {
		t.Fatalf("ResolveText: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if n := expired.Load(); n != 0 {
		t.Errorf("expired %d times after resolution, want 0", n)
	}
}

func TestManager_ReplyAndReactionRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := NewManager(nil, nil)
		p, _, _ := m.Request(testKey, ActionRunTask, runParams())
		m.AttachMessage(p, "$prompt")

		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, d, err := m.ResolveText(testKey, "yes"); err == nil && d == DecisionConfirmed {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if _, d, err := m.ResolveReaction("$prompt", testKey.SenderID, "👍"); err == nil && d == DecisionConfirmed {
				wins.Add(1)
			}
		}()
		wg.Wait()

		if n := wins.Load(); n != 1 {
			t.Fatalf("iteration %d: action resolved %d times, want 1", i, n)
		}
		m.Close()
	}
}

func TestManager_AttachAfterResolve(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	p, _, _ := m.Request(testKey, ActionRunTask, runParams())
	m.Cancel(testKey)
	if m.AttachMessage(p, "$late") {
		t.Error("AttachMessage should fail for a resolved confirmation")
	}
}
