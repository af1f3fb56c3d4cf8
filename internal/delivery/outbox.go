package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/you/gnasty-bot/internal/core"
	"github.com/you/gnasty-bot/internal/telemetry"
)

const (
	QueueBroadcast = "broadcast"
	QueueReply     = "reply"
	QueueJobs      = "jobs"
)

const (
	DefaultBroadcastInterval = time.Second
	DefaultReplyInterval     = 1500 * time.Millisecond
	DefaultJobInterval       = 500 * time.Millisecond
)

// Sender puts lines on the wire.
type Sender interface {
	SendPublic(ctx context.Context, text string) error
	SendPrivate(ctx context.Context, to, text string) error
}

// Reply is a private message waiting for delivery.
type Reply struct {
	To   string
	Text string
}

// Job is deferred work, run by name off the dispatch path.
type Job struct {
	Name string
	Args map[string]any
}

type JobFunc func(ctx context.Context, args map[string]any) error

// Event describes one line the bot sent.
type Event struct {
	Queue string    `json:"queue"`
	To    string    `json:"to,omitempty"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Observer is told about every successful send.
type Observer interface {
	Observe(Event)
}

type Options struct {
	BroadcastInterval time.Duration
	ReplyInterval     time.Duration
	JobInterval       time.Duration
	Metrics           *telemetry.Metrics
	Observer          Observer
	// OnError sees every failed send; the caller decides what is fatal.
	OnError func(queue string, err error)
}

// Outbox owns the broadcast, reply and deferred-job queues and their
// workers.
type Outbox struct {
	broadcast Queue[string]
	replies   Queue[Reply]
	jobs      Queue[Job]

	sender Sender
	opts   Options

	jobsMu   sync.RWMutex
	registry map[string]JobFunc

	mu            sync.Mutex
	root          context.Context
	speaking      bool
	stopBroadcast context.CancelFunc
	wg            sync.WaitGroup
}

func NewOutbox(sender Sender, opts Options) *Outbox {
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = DefaultBroadcastInterval
	}
	if opts.ReplyInterval <= 0 {
		opts.ReplyInterval = DefaultReplyInterval
	}
	if opts.JobInterval <= 0 {
		opts.JobInterval = DefaultJobInterval
	}
	return &Outbox{
		sender:   sender,
		opts:     opts,
		registry: make(map[string]JobFunc),
		speaking: true,
	}
}

// Register binds a deferred job name to fn. Re-registering replaces.
func (o *Outbox) Register(name string, fn JobFunc) {
	o.jobsMu.Lock()
	o.registry[name] = fn
	o.jobsMu.Unlock()
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have.
func (o *Outbox) Start(ctx context.Context) {
	o.mu.Lock()
	o.root = ctx
	if o.speaking {
		o.startBroadcastLocked()
	}
	o.mu.Unlock()

	o.spawn(ctx, o.opts.ReplyInterval, o.replyStep)
	o.spawn(ctx, o.opts.JobInterval, o.jobStep)
}

func (o *Outbox) Wait() { o.wg.Wait() }

func (o *Outbox) startBroadcastLocked() {
	ctx, cancel := context.WithCancel(o.root)
	o.stopBroadcast = cancel
	o.spawn(ctx, o.opts.BroadcastInterval, o.broadcastStep)
}

// spawn runs step, then waits interval, until ctx ends.
func (o *Outbox) spawn(ctx context.Context, interval time.Duration, step func(context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			step(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StopSpeaking halts the broadcast worker. Pushes are still accepted.
func (o *Outbox) StopSpeaking() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speaking = false
	if o.stopBroadcast != nil {
		o.stopBroadcast()
		o.stopBroadcast = nil
	}
	slog.Info("delivery: broadcasting paused")
}

// StartSpeaking discards whatever queued up while paused and starts a
// fresh broadcast worker.
func (o *Outbox) StartSpeaking() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.speaking {
		return
	}
	dropped := o.broadcast.Clear()
	o.opts.Metrics.SetQueueDepth(QueueBroadcast, 0)
	o.speaking = true
	if o.root != nil {
		o.startBroadcastLocked()
	}
	slog.Info("delivery: broadcasting resumed", "dropped", dropped)
}

func (o *Outbox) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking
}

// Public queues a broadcast line.
func (o *Outbox) Public(text string) {
	o.broadcast.Push(text)
	o.opts.Metrics.SetQueueDepth(QueueBroadcast, o.broadcast.Len())
}

// Private queues a whisper to one user.
func (o *Outbox) Private(to, text string) {
	o.replies.Push(Reply{To: to, Text: text})
	o.opts.Metrics.SetQueueDepth(QueueReply, o.replies.Len())
}

// Defer queues a named job.
func (o *Outbox) Defer(name string, args map[string]any) {
	o.jobs.Push(Job{Name: name, Args: args})
	o.opts.Metrics.SetQueueDepth(QueueJobs, o.jobs.Len())
}

// Reply answers msg on the channel it arrived on.
func (o *Outbox) Reply(msg core.Message, text string) {
	if msg.Kind == core.KindPrivate {
		o.Private(msg.DisplayName, text)
		return
	}
	o.Public(text)
}

// Announce sends publicly right now, skipping the queue.
func (o *Outbox) Announce(ctx context.Context, text string) error {
	if err := o.sender.SendPublic(ctx, text); err != nil {
		o.failed(QueueBroadcast, err)
		return err
	}
	o.sent(Event{Queue: QueueBroadcast, Text: text})
	return nil
}

// Depths reports the current queue lengths.
func (o *Outbox) Depths() map[string]int {
	return map[string]int{
		QueueBroadcast: o.broadcast.Len(),
		QueueReply:     o.replies.Len(),
		QueueJobs:      o.jobs.Len(),
	}
}

func (o *Outbox) broadcastStep(ctx context.Context) {
	text, ok := o.broadcast.Pop()
	if !ok {
		return
	}
	o.opts.Metrics.SetQueueDepth(QueueBroadcast, o.broadcast.Len())
	if err := o.sender.SendPublic(ctx, text); err != nil {
		o.failed(QueueBroadcast, err)
		return
	}
	o.sent(Event{Queue: QueueBroadcast, Text: text})
}

func (o *Outbox) replyStep(ctx context.Context) {
	r, ok := o.replies.Pop()
	if !ok {
		return
	}
	o.opts.Metrics.SetQueueDepth(QueueReply, o.replies.Len())
	if err := o.sender.SendPrivate(ctx, r.To, r.Text); err != nil {
		o.failed(QueueReply, err)
		return
	}
	o.sent(Event{Queue: QueueReply, To: r.To, Text: r.Text})
}

func (o *Outbox) jobStep(ctx context.Context) {
	job, ok := o.jobs.Pop()
	if !ok {
		return
	}
	o.opts.Metrics.SetQueueDepth(QueueJobs, o.jobs.Len())
	o.run(ctx, job)
}

func (o *Outbox) run(ctx context.Context, job Job) {
	o.jobsMu.RLock()
	fn, ok := o.registry[job.Name]
	o.jobsMu.RUnlock()
	if !ok {
		slog.Warn("delivery: no deferred job registered", "name", job.Name)
		o.opts.Metrics.IncJob(job.Name, "unknown")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "job "+job.Name, attribute.String("job", job.Name))
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, job.Args)
	}()
	telemetry.EndSpan(span, err)

	if err != nil {
		slog.Error("delivery: deferred job failed", "name", job.Name, "err", err)
		o.opts.Metrics.IncJob(job.Name, "error")
		return
	}
	slog.Debug("delivery: deferred job done", "name", job.Name, "took", time.Since(start))
	o.opts.Metrics.IncJob(job.Name, "ok")
}

func (o *Outbox) sent(ev Event) {
	o.opts.Metrics.IncSent(ev.Queue)
	if o.opts.Observer != nil {
		ev.At = time.Now().UTC()
		o.opts.Observer.Observe(ev)
	}
}

func (o *Outbox) failed(queue string, err error) {
	o.opts.Metrics.IncSendError(queue)
	slog.Error("delivery: send failed", "queue", queue, "err", err)
	if o.opts.OnError != nil {
		o.opts.OnError(queue, err)
	}
}

// Drain sends whatever is still queued for broadcast (when speaking) and
// reply, ignoring the pacing interval, until both are empty or ctx ends.
// Pending deferred jobs are dropped.
func (o *Outbox) Drain(ctx context.Context) {
	if n := o.jobs.Clear(); n > 0 {
		slog.Warn("delivery: dropping deferred jobs at shutdown", "count", n)
	}
	speaking := o.Speaking()
	for ctx.Err() == nil {
		progressed := false
		if speaking {
			if text, ok := o.broadcast.Pop(); ok {
				progressed = true
				if err := o.sender.SendPublic(ctx, text); err != nil {
					o.failed(QueueBroadcast, err)
					return
				}
				o.sent(Event{Queue: QueueBroadcast, Text: text})
			}
		}
		if r, ok := o.replies.Pop(); ok {
			progressed = true
			if err := o.sender.SendPrivate(ctx, r.To, r.Text); err != nil {
				o.failed(QueueReply, err)
				return
			}
			o.sent(Event{Queue: QueueReply, To: r.To, Text: r.Text})
		}
		if !progressed {
			return
		}
	}
}
