package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type spyLogger struct {
	infoCalls  []logCall
	errorCalls []logCall
}

type logCall struct {
	msg  string
	args []any
}

func (s *spyLogger) Info(msg string, args ...any)  { s.infoCalls = append(s.infoCalls, logCall{msg, args}) }
func (s *spyLogger) Error(msg string, args ...any) { s.errorCalls = append(s.errorCalls, logCall{msg, args}) }

type stubNotifier struct {
	name string
	err  error
	sent []Event
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(_ context.Context, event Event) error {
	s.sent = append(s.sent, event)
	return s.err
}

func TestMultiNotifyFansOutToAllNotifiers(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	m := NewMulti(&spyLogger{}, a, b)

	evt := Event{Type: EventAgentConnected, AgentID: "agent-1", Timestamp: time.Now()}
	if ok := m.Notify(context.Background(), evt); !ok {
		t.Fatal("expected at least one notifier to succeed")
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("a.sent=%d b.sent=%d, want 1 each", len(a.sent), len(b.sent))
	}
}

func TestMultiNotifyLogsFailuresAndContinues(t *testing.T) {
	log := &spyLogger{}
	failing := &stubNotifier{name: "broken", err: errors.New("boom")}
	ok := &stubNotifier{name: "fine"}
	m := NewMulti(log, failing, ok)

	if !m.Notify(context.Background(), Event{Type: EventKeyRotated}) {
		t.Fatal("expected overall success since one notifier succeeded")
	}
	if len(log.errorCalls) != 1 {
		t.Fatalf("got %d error log calls, want 1", len(log.errorCalls))
	}
}

func TestMultiNotifyWithNoNotifiersReturnsTrue(t *testing.T) {
	m := NewMulti(&spyLogger{})
	if !m.Notify(context.Background(), Event{Type: EventAgentDisconnected}) {
		t.Fatal("expected true when no notifiers are configured")
	}
}

func TestFilteredNotifierDropsUnlistedEventTypes(t *testing.T) {
	inner := &stubNotifier{name: "inner"}
	filtered := newFilteredNotifier(inner, []string{string(EventKeyRotated)})

	if err := filtered.Send(context.Background(), Event{Type: EventAgentConnected}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(inner.sent) != 0 {
		t.Fatalf("expected event to be dropped, got %d sent", len(inner.sent))
	}

	if err := filtered.Send(context.Background(), Event{Type: EventKeyRotated}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(inner.sent) != 1 {
		t.Fatalf("expected matching event forwarded, got %d sent", len(inner.sent))
	}
}

func TestFilteredNotifierEmptyAllowListForwardsEverything(t *testing.T) {
	inner := &stubNotifier{name: "inner"}
	filtered := newFilteredNotifier(inner, nil)

	filtered.Send(context.Background(), Event{Type: EventAgentConnected})
	filtered.Send(context.Background(), Event{Type: EventKeyRotated})
	if len(inner.sent) != 2 {
		t.Fatalf("expected both events forwarded, got %d", len(inner.sent))
	}
}

func TestLogNotifierNeverErrors(t *testing.T) {
	log := &spyLogger{}
	n := NewLogNotifier(log)
	if err := n.Send(context.Background(), Event{Type: EventHandshakeFailed, Error: "untrusted peer"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(log.infoCalls) != 1 {
		t.Fatalf("got %d info calls, want 1", len(log.infoCalls))
	}
}
