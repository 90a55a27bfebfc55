package daemon

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/dailybot/wcbridge/internal/bus"
)

// Status is the monitor's on-disk record. Operators and scripts read it
// to check daemon health without tailing logs.
type Status struct {
	LastPollAt        string `toml:"last_poll_at"`
	PollsCompleted    int64  `toml:"polls_completed"`
	MessagesDelivered int64  `toml:"messages_delivered"`
	LastError         string `toml:"last_error"`
	LastErrorAt       string `toml:"last_error_at"`
}

// Monitor subscribes to poll events and mirrors them into a status file
// in the state directory.
type Monitor struct {
	bus    *bus.Bus
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	stat Status

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// NewMonitor creates a monitor writing to path. It is idle until Start.
func NewMonitor(b *bus.Bus, logger *zap.Logger, path string) *Monitor {
	return &Monitor{bus: b, logger: logger, path: path}
}

// Start subscribes to poll events and begins recording.
func (m *Monitor) Start() {
	ch, unsub := m.bus.Subscribe("poll.", 16)
	m.unsub = unsub
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for {
			select {
			case evt := <-ch:
				m.record(evt)
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop unsubscribes and waits for the recording loop to exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	m.unsub()
	close(m.stop)
	<-m.done
}

func (m *Monitor) record(evt bus.Event) {
	m.mu.Lock()
	switch evt.Kind {
	case bus.KindPollCompleted:
		m.stat.PollsCompleted++
		m.stat.LastPollAt = evt.Timestamp.UTC().Format(time.RFC3339)
		if n, ok := evt.Payload.(int); ok {
			m.stat.MessagesDelivered += int64(n)
		}
	case bus.KindPollError:
		m.stat.LastErrorAt = evt.Timestamp.UTC().Format(time.RFC3339)
		if msg, ok := evt.Payload.(string); ok {
			m.stat.LastError = msg
		}
	default:
		m.mu.Unlock()
		return
	}
	stat := m.stat
	m.mu.Unlock()

	if err := m.flush(stat); err != nil {
		m.logger.Warn("failed to write status file", zap.Error(err))
	}
}

func (m *Monitor) flush(stat Status) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(stat); err != nil {
		return err
	}
	return os.WriteFile(m.path, buf.Bytes(), 0o600)
}
