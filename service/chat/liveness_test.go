package chat

import (
	"testing"
	"time"
)

func TestLivenessPingsLiveSessions(t *testing.T) {
	reg := NewRegistry()
	m := NewLivenessMonitor(reg, 15*time.Second, 30*time.Second)

	_, cli := openSession(t, reg, "s1", "alice")
	m.sweepOnce()

	f := readFrame(t, cli, time.Second)
	if f.Type != FrameTypePing {
		t.Fatalf("got %s frame, want ping", f.Type)
	}
}

func TestLivenessEvictsIdleSession(t *testing.T) {
	reg := NewRegistry()
	m := NewLivenessMonitor(reg, 15*time.Second, 30*time.Second)

	stale, _ := openSession(t, reg, "s1", "alice")
	fresh, freshCli := openSession(t, reg, "s2", "alice")

	// stale went quiet 31s "ago"
	m.clock = func() time.Time { return time.Now().Add(31 * time.Second) }
	fresh.heartbeatAt.Store(time.Now().Add(31 * time.Second).UnixNano())

	m.sweepOnce()

	waitState(t, stale, StateClosed, time.Second)
	deadline := time.Now().Add(time.Second)
	for reg.Get("s1") != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Get("s1") != nil {
		t.Fatal("evicted session still registered")
	}

	if fresh.State() != StateOpen {
		t.Fatalf("fresh session state=%v", fresh.State())
	}
	if f := readFrame(t, freshCli, time.Second); f.Type != FrameTypePing {
		t.Fatalf("fresh session got %s, want ping", f.Type)
	}
}

func TestLivenessSkipsClosedSessions(t *testing.T) {
	reg := NewRegistry()
	m := NewLivenessMonitor(reg, 15*time.Second, 30*time.Second)

	sess, cli := openSession(t, reg, "s1", "alice")
	sess.Close(1000, "done")
	waitState(t, sess, StateClosed, time.Second)

	m.clock = func() time.Time { return time.Now().Add(time.Hour) }
	m.sweepOnce() // must not panic or resurrect anything
	_ = cli
}
