package email

import (
	"context"
	"sync"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
	"github.com/rs/zerolog/log"
)

const (
	defaultDispatchWorkers = 2
	defaultDispatchQueue   = 256
	defaultSendTimeout     = 15 * time.Second
)

// Dispatcher hands off best-effort emails. Implementations never report
// failure to the caller; failures are logged and counted.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

// AsyncDispatcher delivers emails from a bounded queue on background workers,
// so a slow or failing provider never holds up the request that queued them.
type AsyncDispatcher struct {
	sender  Sender
	queue   chan Message
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncDispatcher starts workers that drain a queue of queueSize messages.
func NewAsyncDispatcher(sender Sender, workers, queueSize int) *AsyncDispatcher {
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultDispatchQueue
	}
	d := &AsyncDispatcher{
		sender:  sender,
		queue:   make(chan Message, queueSize),
		timeout: defaultSendTimeout,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Dispatch queues msg. A full or closed queue drops the message with an error log.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		logging.FromContext(ctx).Error().
			Str("to", msg.To).
			Str("template", msg.Template).
			Msg("Email dropped: dispatcher closed")
		acctmetrics.EmailsTotal.WithLabelValues(msg.Template, "dropped").Inc()
		return
	}

	select {
	case d.queue <- msg:
	default:
		logging.FromContext(ctx).Error().
			Str("to", msg.To).
			Str("template", msg.Template).
			Msg("Email dropped: dispatch queue full")
		acctmetrics.EmailsTotal.WithLabelValues(msg.Template, "dropped").Inc()
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *AsyncDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *AsyncDispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		deliver(ctx, d.sender, msg)
		cancel()
	}
}

// SyncDispatcher delivers inline. Used by one-shot CLI runs and tests.
type SyncDispatcher struct {
	Sender Sender
}

// Dispatch sends msg before returning, logging any failure.
func (d SyncDispatcher) Dispatch(ctx context.Context, msg Message) {
	deliver(ctx, d.Sender, msg)
}

func deliver(ctx context.Context, sender Sender, msg Message) {
	if sender == nil {
		return
	}
	if err := sender.Send(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("to", msg.To).
			Str("subject", msg.Subject).
			Str("template", msg.Template).
			Msg("Failed to send email")
		acctmetrics.EmailsTotal.WithLabelValues(msg.Template, "failed").Inc()
		return
	}
	acctmetrics.EmailsTotal.WithLabelValues(msg.Template, "sent").Inc()
}
