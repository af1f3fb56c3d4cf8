package delivery

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-bot/internal/core"
)

type fakeSender struct {
	mu      sync.Mutex
	public  []string
	private []Reply
	fail    error
}

func (f *fakeSender) SendPublic(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.public = append(f.public, text)
	return nil
}

func (f *fakeSender) SendPrivate(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.private = append(f.private, Reply{To: to, Text: text})
	return nil
}

func (f *fakeSender) publicLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.public...)
}

func (f *fakeSender) privateLines() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.private...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) Observe(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func fastOptions() Options {
	return Options{
		BroadcastInterval: 5 * time.Millisecond,
		ReplyInterval:     5 * time.Millisecond,
		JobInterval:       5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestQueueFIFO(t *testing.T) {
	var q Queue[int]
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d = %d, %v", i, v, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
	q.Push(1)
	q.Push(2)
	if n := q.Clear(); n != 2 || q.Len() != 0 {
		t.Fatalf("clear = %d, len = %d", n, q.Len())
	}
}

func TestWorkersPreserveOrderPerQueue(t *testing.T) {
	sender := &fakeSender{}
	events := &eventLog{}
	opts := fastOptions()
	opts.Observer = events
	o := NewOutbox(sender, opts)

	o.Public("one")
	o.Public("two")
	o.Private("alice", "psst")
	o.Reply(core.Message{Kind: core.KindPrivate, DisplayName: "Bob"}, "hi bob")
	o.Reply(core.Message{Kind: core.KindPublic, DisplayName: "Bob"}, "three")

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	waitFor(t, func() bool { return len(sender.publicLines()) == 3 && len(sender.privateLines()) == 2 })
	cancel()
	o.Wait()

	if got := sender.publicLines(); !reflect.DeepEqual(got, []string{"one", "two", "three"}) {
		t.Fatalf("public = %v", got)
	}
	want := []Reply{{"alice", "psst"}, {"Bob", "hi bob"}}
	if got := sender.privateLines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("private = %v", got)
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 5 {
		t.Fatalf("observed %d events", len(events.events))
	}
}

func TestDeferredJobsRunByName(t *testing.T) {
	o := NewOutbox(&fakeSender{}, fastOptions())
	got := make(chan map[string]any, 1)
	o.Register("sync_quotes", func(_ context.Context, args map[string]any) error {
		got <- args
		return nil
	})
	o.Register("explode", func(context.Context, map[string]any) error { panic("boom") })

	o.Defer("missing", nil)
	o.Defer("explode", nil)
	o.Defer("sync_quotes", map[string]any{"view": "quotes"})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		o.Wait()
	}()
	o.Start(ctx)

	select {
	case args := <-got:
		if args["view"] != "quotes" {
			t.Fatalf("args = %v", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
}

func TestStopStartSpeakingClearsBacklog(t *testing.T) {
	sender := &fakeSender{}
	o := NewOutbox(sender, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		o.Wait()
	}()
	o.Start(ctx)

	o.StopSpeaking()
	if o.Speaking() {
		t.Fatalf("expected speaking=false")
	}
	o.Public("queued while paused")
	time.Sleep(50 * time.Millisecond)
	if n := len(sender.publicLines()); n != 0 {
		t.Fatalf("sent %d lines while paused", n)
	}
	if o.Depths()[QueueBroadcast] != 1 {
		t.Fatalf("pause should keep accepting pushes")
	}

	o.StartSpeaking()
	o.Public("after resume")
	waitFor(t, func() bool { return len(sender.publicLines()) == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := sender.publicLines(); !reflect.DeepEqual(got, []string{"after resume"}) {
		t.Fatalf("public = %v", got)
	}
}

func TestAnnounceBypassesQueue(t *testing.T) {
	sender := &fakeSender{}
	o := NewOutbox(sender, fastOptions())
	o.StopSpeaking()
	if err := o.Announce(context.Background(), "right now"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got := sender.publicLines(); !reflect.DeepEqual(got, []string{"right now"}) {
		t.Fatalf("public = %v", got)
	}
}

func TestSendErrorsReported(t *testing.T) {
	boom := errors.New("wire cut")
	sender := &fakeSender{fail: boom}
	opts := fastOptions()
	errs := make(chan error, 4)
	opts.OnError = func(queue string, err error) {
		if queue == QueueBroadcast {
			errs <- err
		}
	}
	o := NewOutbox(sender, opts)
	o.Public("doomed")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		o.Wait()
	}()
	o.Start(ctx)

	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error not reported")
	}
}

func TestDrainFlushesAndDropsJobs(t *testing.T) {
	sender := &fakeSender{}
	o := NewOutbox(sender, fastOptions())
	o.Public("a")
	o.Public("b")
	o.Private("x", "c")
	o.Defer("slow", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.Drain(ctx)

	if got := sender.publicLines(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("public = %v", got)
	}
	if d := o.Depths(); d[QueueReply] != 0 || d[QueueJobs] != 0 {
		t.Fatalf("depths after drain = %v", d)
	}
}
