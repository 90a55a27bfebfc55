// Package source drives periodic extraction. The client never pushes;
// new messages only appear by re-reading the shard databases, so the
// poller is the daemon's heartbeat.
package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dailybot/wcbridge/internal/bus"
	"github.com/dailybot/wcbridge/internal/store"
)

// Source is a running producer of message batches. The poller is the
// only implementation here; a push-based producer can replace it behind
// the same interface.
type Source interface {
	Start(ctx context.Context)
	Stop()
}

// Facade is the slice of the message service the poller depends on.
type Facade interface {
	PollConversations(ctx context.Context, deliver func(conversation string, batch []store.MessageRecord) error) (int, error)
}

// Sink receives each extracted batch. A nil return acknowledges the
// batch and lets the checkpoint advance.
type Sink interface {
	Deliver(conversation string, batch []store.MessageRecord) error
}

// Poller runs the extract/deliver cycle on a fixed interval.
type Poller struct {
	facade   Facade
	sink     Sink
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Source = (*Poller)(nil)

// NewPoller creates a poller. It does nothing until Start.
func NewPoller(facade Facade, sink Sink, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Poller {
	return &Poller{
		facade:   facade,
		sink:     sink,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start launches the poll loop. The first poll runs immediately so a
// fresh daemon surfaces backlog without waiting a full interval.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.pollOnce(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.pollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) pollOnce(ctx context.Context) {
	start := time.Now()
	n, err := p.facade.PollConversations(ctx, p.deliver)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("poll failed", zap.Error(err), zap.Int("delivered", n))
		p.bus.Publish(bus.Event{
			Kind:      bus.KindPollError,
			Timestamp: time.Now(),
			Payload:   err.Error(),
		})
		return
	}
	if n > 0 {
		p.logger.Info("poll completed",
			zap.Int("messages", n), zap.Duration("took", time.Since(start)))
	}
	p.bus.Publish(bus.Event{
		Kind:      bus.KindPollCompleted,
		Timestamp: time.Now(),
		Payload:   n,
	})
}

// deliver hands a batch to the sink, then mirrors each message onto the
// bus for observers. Only the sink gates checkpoint advancement.
func (p *Poller) deliver(conversation string, batch []store.MessageRecord) error {
	if err := p.sink.Deliver(conversation, batch); err != nil {
		return err
	}
	for i := range batch {
		p.bus.Publish(bus.Event{
			Kind:      bus.KindMessage,
			Timestamp: time.Now(),
			Payload:   &batch[i],
		})
	}
	return nil
}
