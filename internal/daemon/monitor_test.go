package daemon

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/dailybot/wcbridge/internal/bus"
)

func readStatus(t *testing.T, path string) (Status, bool) {
	t.Helper()
	var st Status
	if _, err := toml.DecodeFile(path, &st); err != nil {
		return Status{}, false
	}
	return st, true
}

func waitStatus(t *testing.T, path string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if st, ok := readStatus(t, path); ok && cond(st) {
			return st
		}
		select {
		case <-deadline:
			st, _ := readStatus(t, path)
			t.Fatalf("status file never matched, last: %+v", st)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitorRecordsPolls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.toml")
	b := bus.New()
	m := NewMonitor(b, zap.NewNop(), path)
	m.Start()
	defer m.Stop()

	b.Publish(bus.Event{Kind: bus.KindPollCompleted, Timestamp: time.Now(), Payload: 3})
	b.Publish(bus.Event{Kind: bus.KindPollCompleted, Timestamp: time.Now(), Payload: 2})

	st := waitStatus(t, path, func(st Status) bool { return st.PollsCompleted == 2 })
	if st.MessagesDelivered != 5 {
		t.Errorf("MessagesDelivered = %d, want 5", st.MessagesDelivered)
	}
	if st.LastPollAt == "" {
		t.Error("LastPollAt not recorded")
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
}

func TestMonitorRecordsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.toml")
	b := bus.New()
	m := NewMonitor(b, zap.NewNop(), path)
	m.Start()
	defer m.Stop()

	b.Publish(bus.Event{
		Kind:      bus.KindPollError,
		Timestamp: time.Now(),
		Payload:   errors.New("shard unreadable").Error(),
	})

	st := waitStatus(t, path, func(st Status) bool { return st.LastError != "" })
	if st.LastError != "shard unreadable" {
		t.Errorf("LastError = %q", st.LastError)
	}
	if st.LastErrorAt == "" {
		t.Error("LastErrorAt not recorded")
	}
}

func TestMonitorStopIsIdempotentWhenNeverStarted(t *testing.T) {
	m := NewMonitor(bus.New(), zap.NewNop(), filepath.Join(t.TempDir(), "status.toml"))
	m.Stop() // must not panic
}

func TestMonitorStopsRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.toml")
	b := bus.New()
	m := NewMonitor(b, zap.NewNop(), path)
	m.Start()

	b.Publish(bus.Event{Kind: bus.KindPollCompleted, Timestamp: time.Now(), Payload: 1})
	waitStatus(t, path, func(st Status) bool { return st.PollsCompleted == 1 })

	m.Stop()
	b.Publish(bus.Event{Kind: bus.KindPollCompleted, Timestamp: time.Now(), Payload: 1})
	time.Sleep(20 * time.Millisecond)

	st, _ := readStatus(t, path)
	if st.PollsCompleted != 1 {
		t.Errorf("PollsCompleted = %d after Stop, want 1", st.PollsCompleted)
	}
}
