package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-bot/internal/core"
	"github.com/you/gnasty-bot/internal/delivery"
	"github.com/you/gnasty-bot/internal/playerqueue"
	"github.com/you/gnasty-bot/internal/store"
)

type fakeOutbox struct {
	mu        sync.Mutex
	public    []string
	private   []delivery.Reply
	deferred  []delivery.Job
	announced []string
	speaking  bool
}

func newFakeOutbox() *fakeOutbox { return &fakeOutbox{speaking: true} }

func (f *fakeOutbox) Public(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public = append(f.public, text)
}

func (f *fakeOutbox) Private(to, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.private = append(f.private, delivery.Reply{To: to, Text: text})
}

func (f *fakeOutbox) Reply(msg core.Message, text string) {
	if msg.Kind == core.KindPrivate {
		f.Private(msg.DisplayName, text)
		return
	}
	f.Public(text)
}

func (f *fakeOutbox) Defer(name string, args map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deferred = append(f.deferred, delivery.Job{Name: name, Args: args})
}

func (f *fakeOutbox) Announce(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, text)
	return nil
}

func (f *fakeOutbox) StopSpeaking() {
	f.mu.Lock()
	f.speaking = false
	f.mu.Unlock()
}

func (f *fakeOutbox) StartSpeaking() {
	f.mu.Lock()
	f.speaking = true
	f.mu.Unlock()
}

func (f *fakeOutbox) publicLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.public...)
}

func (f *fakeOutbox) privateLines() []delivery.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Reply(nil), f.private...)
}

func (f *fakeOutbox) jobs() []delivery.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Job(nil), f.deferred...)
}

func (f *fakeOutbox) lastPublic(t *testing.T) string {
	t.Helper()
	lines := f.publicLines()
	if len(lines) == 0 {
		t.Fatalf("nothing sent publicly")
	}
	return lines[len(lines)-1]
}

func (f *fakeOutbox) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public, f.private, f.deferred, f.announced = nil, nil, nil, nil
}

type fakeTimers struct {
	mu      sync.Mutex
	running map[int64]string
}

func (f *fakeTimers) Start(id int64, text string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = text
}

func (f *fakeTimers) Stop(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	delete(f.running, id)
	return ok
}

func (f *fakeTimers) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.running)
}

func (f *fakeTimers) Running() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id := range f.running {
		out = append(out, id)
	}
	return out
}

type harness struct {
	bot     *Bot
	out     *fakeOutbox
	db      *store.DB
	players *playerqueue.Queue
	timers  *fakeTimers
}

func newHarness(t *testing.T, tweak func(*Deps)) *harness {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		out:     newFakeOutbox(),
		db:      db,
		players: playerqueue.New(),
		timers:  &fakeTimers{running: make(map[int64]string)},
	}
	deps := Deps{
		Store:   db,
		Out:     h.out,
		Players: h.players,
		Timers:  h.timers,
		Channel: "Streamer",
		Rand:    func(int) int { return 0 },
	}
	if tweak != nil {
		tweak(&deps)
	}
	h.bot, err = New(deps)
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	t.Cleanup(h.bot.Close)
	return h
}

func (h *harness) say(user, text string, mod bool) {
	h.bot.Dispatch(context.Background(), core.Message{
		Kind:        core.KindPublic,
		Username:    strings.ToLower(user),
		DisplayName: user,
		Text:        text,
		IsModerator: mod,
	})
}

func (h *harness) whisper(user, text string, mod bool) {
	h.bot.Dispatch(context.Background(), core.Message{
		Kind:        core.KindPrivate,
		Username:    strings.ToLower(user),
		DisplayName: user,
		Text:        text,
		IsModerator: mod,
	})
}

func (h *harness) value(t *testing.T, key string) string {
	t.Helper()
	tx, err := h.db.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Close()
	v, _, err := tx.GetValue(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return v
}

func (h *harness) user(t *testing.T, name string) store.UserRecord {
	t.Helper()
	tx, err := h.db.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Close()
	u, ok, err := tx.FindUser(context.Background(), name)
	if err != nil || !ok {
		t.Fatalf("find user %s: %v %v", name, ok, err)
	}
	return u
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{text: "!Quote 3", name: "quote", args: []string{"3"}, ok: true},
		{text: "!join", name: "join", args: []string{}, ok: true},
		{text: "!", ok: false},
		{text: "hello !quote", ok: false},
		{text: "", ok: false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.text)
		if ok != tt.ok {
			t.Fatalf("%q: ok = %v", tt.text, ok)
		}
		if !ok {
			continue
		}
		if name != tt.name || !reflect.DeepEqual(args, tt.args) {
			t.Fatalf("%q: got %q %v", tt.text, name, args)
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *Invocation) error { return nil }
	if err := r.Add(Builtin{Name: "!Quote", Run: noop}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(Builtin{Name: "quote", Run: noop}); err == nil {
		t.Fatalf("duplicate accepted")
	}
	if _, ok := r.Lookup("QUOTE"); !ok {
		t.Fatalf("lookup is case sensitive")
	}
}

func TestNonCommandTextDoesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Alice", "hello there, quote me", false)
	h.say("Alice", "! not a command", false)
	h.bot.Dispatch(context.Background(), core.Message{Kind: core.KindNotice, Text: "!quote"})
	if len(h.out.publicLines()) != 0 || len(h.out.privateLines()) != 0 || len(h.out.jobs()) != 0 {
		t.Fatalf("unexpected output: %v %v %v", h.out.publicLines(), h.out.privateLines(), h.out.jobs())
	}
}

func TestPingEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Alice", "PING PING", false)
	if got := h.out.publicLines(); !reflect.DeepEqual(got, []string{"PONG PONG"}) {
		t.Fatalf("public = %v", got)
	}
}

func TestPingAbuseTriggersRoulette(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Rand = func(n int) int { return n - 1 } })
	h.say("Mallory", "!PING", false)
	want := []string{
		"You see? This is why we can't have nice things.",
		"/timeout Mallory 30",
		"Bang! Mallory was timed out.",
	}
	if got := h.out.publicLines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("public = %v", got)
	}
}

func TestBanRouletteTargets(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Bob", "!ban_roulette", false)
	if got := h.out.lastPublic(t); got != "Bob is safe for now." {
		t.Fatalf("self spin = %q", got)
	}
	h.out.reset()
	h.say("Bob", "!ban_roulette Carol", false)
	if len(h.out.publicLines()) != 0 {
		t.Fatalf("non-mod spun for someone else: %v", h.out.publicLines())
	}
	h.say("Mod", "!ban_roulette Carol", true)
	if got := h.out.lastPublic(t); got != "Carol is safe for now." {
		t.Fatalf("mod spin = %q", got)
	}
}

func TestModOnlyRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Bob", "!set_deaths 5", false)
	if got := h.out.lastPublic(t); got != "Sorry Bob, that's a mod only command" {
		t.Fatalf("reply = %q", got)
	}
	if v := h.value(t, store.KeyCurrentDeaths); v != "0" {
		t.Fatalf("deaths changed to %q", v)
	}
}

func TestVisibilityRules(t *testing.T) {
	h := newHarness(t, nil)

	h.whisper("Bob", "!quote", false)
	if len(h.out.privateLines()) != 0 {
		t.Fatalf("whisper-only rule ignored: %v", h.out.privateLines())
	}

	h.say("Bob", "!confirm", false)
	if len(h.out.publicLines()) != 0 {
		t.Fatalf("broadcast-disallowed rule ignored: %v", h.out.publicLines())
	}

	h.whisper("Mod", "!quote", true)
	if got := h.out.privateLines(); len(got) != 1 || got[0].Text != "No quotes currently exist." {
		t.Fatalf("moderator whisper = %v", got)
	}
}

func TestSetDeathsAndFiles(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "deaths.txt")
	h := newHarness(t, func(d *Deps) { d.DeathFiles = DeathFiles{Current: current} })

	h.say("Mod", "!set_deaths 5", true)
	if got := h.out.lastPublic(t); got != "Current deaths: 5" {
		t.Fatalf("reply = %q", got)
	}
	if v := h.value(t, store.KeyCurrentDeaths); v != "5" {
		t.Fatalf("stored = %q", v)
	}
	data, err := os.ReadFile(current)
	if err != nil || string(data) != "5" {
		t.Fatalf("death file = %q, %v", data, err)
	}

	h.say("Mod", "!set_deaths -1", true)
	if got := h.out.lastPublic(t); got != "Sorry Mod, !set_deaths should be followed by a non-negative integer" {
		t.Fatalf("bad input reply = %q", got)
	}

	h.say("Mod", "!add_death", true)
	if got := h.out.lastPublic(t); got != "Current Deaths: 6, Total Deaths: 1" {
		t.Fatalf("add_death = %q", got)
	}
	h.say("Viewer", "!deaths", false)
	if got := h.out.lastPublic(t); got != "Current Boss Deaths: 6, Total Deaths: 1" {
		t.Fatalf("deaths = %q", got)
	}
}

func TestGuessingAndWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Alice", "!guess 3", false)
	if got := h.out.lastPublic(t); got != "Sorry Alice, guessing is disabled." {
		t.Fatalf("disabled = %q", got)
	}

	h.say("Mod", "!enable_guessing", true)
	h.say("Alice", "!guess 3", false)
	h.whisper("Bob", "!guess 4", false)
	h.say("Carol", "!guess 9", false)
	h.say("Dave", "!guess many", false)
	if got := h.out.lastPublic(t); got != "Sorry Dave, that's not a non-negative integer." {
		t.Fatalf("bad guess = %q", got)
	}
	if got := h.out.privateLines(); len(got) != 1 || got[0].Text != "Bob your guess has been recorded." {
		t.Fatalf("whispered guess = %v", got)
	}

	h.say("Mod", "!set_deaths 5", true)
	h.say("Mod", "!winner", true)
	if got := h.out.lastPublic(t); got != "The winner is Bob." {
		t.Fatalf("winner = %q", got)
	}
}

func TestWinnerLine(t *testing.T) {
	tests := []struct {
		winners []string
		want    string
	}{
		{nil, "You all guessed too high. You should have had more faith in Chan. Chan wins!"},
		{[]string{"A"}, "The winner is A."},
		{[]string{"A", "B"}, "The winners are A and B!"},
		{[]string{"A", "B", "C"}, "The winners are A, B and C!"},
	}
	for _, tt := range tests {
		if got := winnerLine(tt.winners, "Chan"); got != tt.want {
			t.Fatalf("winnerLine(%v) = %q", tt.winners, got)
		}
	}
}

func TestQuotes(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Alice", "!quote", false)
	if got := h.out.lastPublic(t); got != "No quotes currently exist." {
		t.Fatalf("empty = %q", got)
	}

	h.say("Alice", "!add_quote first one", false)
	h.say("Alice", "!quote add second one", false)
	if got := h.out.lastPublic(t); got != "Quote added as quote #2." {
		t.Fatalf("add = %q", got)
	}
	h.say("Alice", "!quote 3", false)
	if got := h.out.lastPublic(t); got != "Invalid quote id - there are only 2 quotes." {
		t.Fatalf("out of range = %q", got)
	}
	h.say("Alice", "!quote 2", false)
	if got := h.out.lastPublic(t); got != "#2 second one" {
		t.Fatalf("second = %q", got)
	}

	h.say("Alice", "!quote delete 1", false)
	if got := h.out.lastPublic(t); got != "#2 second one" {
		t.Fatalf("non-mod delete produced %q", got)
	}
	h.say("Mod", "!delete_quote 1", true)
	h.say("Mod", "!edit_quote 1 edited", true)
	if got := h.out.lastPublic(t); got != "Quote has been edited." {
		t.Fatalf("edit = %q", got)
	}
	h.say("Alice", "!quote", false)
	if got := h.out.lastPublic(t); got != "#1 edited" {
		t.Fatalf("random = %q", got)
	}

	syncs := 0
	for _, j := range h.out.jobs() {
		if j.Name == "sync_quotes" {
			syncs++
		}
	}
	if syncs != 4 {
		t.Fatalf("sync_quotes deferred %d times", syncs)
	}
}

func TestDynamicCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Mod", "!add_command alice !Secret shh it's a secret", true)
	if got := h.out.lastPublic(t); got != "Command added." {
		t.Fatalf("add = %q", got)
	}
	h.say("Mod", "!add_command !secret again", true)
	if got := h.out.lastPublic(t); got != "Sorry, that command already exists. Please delete it first." {
		t.Fatalf("duplicate = %q", got)
	}
	h.say("Mod", "!add_command !quote nope", true)
	if got := h.out.lastPublic(t); got != "Sorry, that's a built-in command and can't be redefined." {
		t.Fatalf("builtin = %q", got)
	}
	h.say("Mod", "!add_command no bang here", true)
	if got := h.out.lastPublic(t); got != "Sorry, the command needs to have an ! in it." {
		t.Fatalf("no bang = %q", got)
	}

	h.out.reset()
	h.say("Bob", "!secret", false)
	h.whisper("Alice", "!secret", false)
	if len(h.out.publicLines()) != 0 || len(h.out.privateLines()) != 0 {
		t.Fatalf("excluded invocation produced output: %v %v", h.out.publicLines(), h.out.privateLines())
	}
	h.say("Alice", "!SECRET", false)
	if got := h.out.publicLines(); !reflect.DeepEqual(got, []string{"shh it's a secret"}) {
		t.Fatalf("permitted = %v", got)
	}

	h.say("Mod", "!command edit !secret new text", true)
	if got := h.out.lastPublic(t); got != "Command edited." {
		t.Fatalf("edit = %q", got)
	}
	h.say("Mod", "!delete_command !secret", true)
	h.say("Mod", "!delete_command !secret", true)
	if got := h.out.lastPublic(t); got != "Sorry, that command doesn't exist." {
		t.Fatalf("second delete = %q", got)
	}
}

func TestJoinTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.whisper("Bob", "!join", false)
	h.whisper("Bob", "!join", false)
	want := []delivery.Reply{
		{To: "Bob", Text: "Bob, you've joined the queue."},
		{To: "Bob", Text: "Bob, you're already in the queue and can't join again."},
	}
	if got := h.out.privateLines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("private = %v", got)
	}
	if h.players.Len() != 1 {
		t.Fatalf("queue length = %d", h.players.Len())
	}

	h.whisper("Bob", "!spot", false)
	h.whisper("Bob", "!leave", false)
	h.whisper("Bob", "!leave", false)
	got := h.out.privateLines()[2:]
	want = []delivery.Reply{
		{To: "Bob", Text: "Bob is number 1 in the queue. This may change as other players join."},
		{To: "Bob", Text: "Bob, you've left the queue."},
		{To: "Bob", Text: "Bob, you're not in the queue and must join before leaving."},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("private = %v", got)
	}
}

func TestCycleAndConfirm(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.ConfirmWindow = time.Hour })
	h.whisper("Alice", "!join", false)
	h.whisper("Bob", "!join", false)
	h.whisper("Carol", "!join", false)
	h.say("Mod", "!set_cycle_number 2", true)

	h.out.reset()
	h.whisper("Mod", "!cycle hunter2", true)
	want := []string{
		"Alice Bob it is your turn to play! Please whisper the bot !confirm to confirm that you're here.",
		"There are 1 people left in the queue",
	}
	if got := h.out.publicLines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("public = %v", got)
	}
	if u := h.user(t, "Alice"); u.TimesPlayed != 1 {
		t.Fatalf("times played = %d", u.TimesPlayed)
	}

	h.whisper("Alice", "!confirm", false)
	got := h.out.privateLines()
	if len(got) != 1 || got[0].Text != "Alice, you may now join Streamer to play. The credentials you need are: hunter2" {
		t.Fatalf("credentials = %v", got)
	}

	// Alice has played once, so a fresh player goes ahead of her.
	h.whisper("Alice", "!join", false)
	h.whisper("Dave", "!join", false)
	entries := h.players.Entries()
	if entries[0].Player != "Carol" || entries[1].Player != "Dave" || entries[2].Player != "Alice" {
		t.Fatalf("queue = %v", entries)
	}
}

func TestUnconfirmedPlayerReplaced(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.ConfirmWindow = 10 * time.Millisecond })
	h.whisper("Alice", "!join", false)
	h.whisper("Bob", "!join", false)
	h.say("Mod", "!cycle_one", true)

	var job delivery.Job
	deadline := time.Now().Add(2 * time.Second)
	for job.Name == "" && time.Now().Before(deadline) {
		for _, j := range h.out.jobs() {
			if j.Name == JobReplaceUnconfirmed {
				job = j
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Name == "" {
		t.Fatalf("no replacement job deferred")
	}
	if err := h.bot.replaceUnconfirmed(context.Background(), job.Args); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := h.out.publicLines(); got[len(got)-2] != "Bob it is your turn to play. Whisper !confirm to the bot" {
		t.Fatalf("public = %v", got)
	}

	// A second run for the same player is a no-op.
	before := len(h.out.publicLines())
	if err := h.bot.replaceUnconfirmed(context.Background(), job.Args); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	if len(h.out.publicLines()) != before {
		t.Fatalf("duplicate replacement")
	}
}

func TestPromoteDemote(t *testing.T) {
	h := newHarness(t, nil)
	h.whisper("Alice", "!join", false)
	h.say("Mod", "!promote alice", true)
	if got := h.out.lastPublic(t); got != "Alice cannot be promoted in the queue." {
		t.Fatalf("promote = %q", got)
	}
	h.say("Mod", "!demote Alice", true)
	if e, _ := h.players.Lookup("Alice"); e.Priority != 1 {
		t.Fatalf("priority = %d", e.Priority)
	}
	if u := h.user(t, "Alice"); u.TimesPlayed != 1 {
		t.Fatalf("times played = %d", u.TimesPlayed)
	}
	h.say("Mod", "!demote Zed", true)
	if got := h.out.lastPublic(t); got != "Zed is not in the player queue." {
		t.Fatalf("missing = %q", got)
	}
}

func TestResetQueue(t *testing.T) {
	snap := &fakeSnapshot{}
	h := newHarness(t, func(d *Deps) { d.Snapshot = snap })
	h.whisper("Alice", "!join", false)
	h.say("Mod", "!cycle_one", true)
	h.say("Mod", "!reset_queue", true)
	if got := h.out.lastPublic(t); got != "The queue has been emptied and all players start fresh." {
		t.Fatalf("reply = %q", got)
	}
	if h.players.Len() != 0 || !snap.removed {
		t.Fatalf("queue len %d, snapshot removed %v", h.players.Len(), snap.removed)
	}
	if u := h.user(t, "Alice"); u.TimesPlayed != 0 {
		t.Fatalf("times played = %d", u.TimesPlayed)
	}
}

// flakyStore fails the chosen Tx operations while its flags are set.
type flakyStore struct {
	store.Store
	mu         sync.Mutex
	failUpsert bool
	failCommit bool
}

func (f *flakyStore) set(upsert, commit bool) {
	f.mu.Lock()
	f.failUpsert, f.failCommit = upsert, commit
	f.mu.Unlock()
}

func (f *flakyStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, s: f}, nil
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t *flakyTx) UpsertUser(ctx context.Context, rec store.UserRecord) error {
	t.s.mu.Lock()
	fail := t.s.failUpsert
	t.s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return t.Tx.UpsertUser(ctx, rec)
}

func (t *flakyTx) Commit() error {
	t.s.mu.Lock()
	fail := t.s.failCommit
	t.s.mu.Unlock()
	if fail {
		_ = t.Tx.Rollback()
		return errors.New("commit lost")
	}
	return t.Tx.Commit()
}

func TestFailedPlayerCommandsLeaveQueueIntact(t *testing.T) {
	flaky := &flakyStore{}
	h := newHarness(t, func(d *Deps) {
		flaky.Store = d.Store
		d.Store = flaky
		d.ConfirmWindow = time.Hour
	})
	h.whisper("Alice", "!join", false)
	h.whisper("Bob", "!join", false)
	h.whisper("Carol", "!join", false)
	h.say("Mod", "!demote Carol", true)
	before := h.players.Entries()

	cases := []struct {
		name           string
		text           string
		upsert, commit bool
	}{
		{name: "cycle write fails", text: "!cycle", upsert: true},
		{name: "cycle commit fails", text: "!cycle", commit: true},
		{name: "cycle_one write fails", text: "!cycle_one", upsert: true},
		{name: "promote write fails", text: "!promote Carol", upsert: true},
		{name: "demote commit fails", text: "!demote Alice", commit: true},
		{name: "reset commit fails", text: "!reset_queue", commit: true},
		{name: "join commit fails", text: "!join", commit: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.out.reset()
			flaky.set(tc.upsert, tc.commit)
			user := "Mod"
			if tc.text == "!join" {
				user = "Dave"
			}
			h.whisper(user, tc.text, true)
			flaky.set(false, false)

			if got := h.players.Entries(); !reflect.DeepEqual(got, before) {
				t.Fatalf("queue = %v, want %v", got, before)
			}
			got := h.out.privateLines()
			if len(got) != 1 || got[0].Text != "Sorry "+user+", something went wrong. Please try again later." {
				t.Fatalf("private = %v", got)
			}
			if pub := h.out.publicLines(); len(pub) != 0 {
				t.Fatalf("announced after rollback: %v", pub)
			}
		})
	}

	if u := h.user(t, "Alice"); u.TimesPlayed != 0 {
		t.Fatalf("times played = %d", u.TimesPlayed)
	}
	h.whisper("Mod", "!cycle", true)
	if got := h.out.lastPublic(t); got != "There are 0 people left in the queue" {
		t.Fatalf("cycle after recovery = %q", got)
	}
}

func TestResetQueueKeepsCycleSize(t *testing.T) {
	h := newHarness(t, nil)
	h.players.SetCycleSize(3)
	h.say("Mod", "!reset_queue", true)
	if got := h.players.CycleSize(); got != 3 {
		t.Fatalf("cycle size = %d", got)
	}
}

type fakeSnapshot struct{ removed bool }

func (f *fakeSnapshot) Load() ([]playerqueue.Entry, error) { return nil, nil }
func (f *fakeSnapshot) Save([]playerqueue.Entry) error     { return nil }
func (f *fakeSnapshot) Remove() error {
	f.removed = true
	return nil
}

func TestAutoQuotes(t *testing.T) {
	h := newHarness(t, nil)
	h.say("Mod", "!add_auto_quote 60 stay hydrated", true)
	if got := h.out.lastPublic(t); got != "Auto quote added as auto quote #1." {
		t.Fatalf("add = %q", got)
	}
	h.say("Mod", "!auto_quote add x nope", true)
	if got := h.out.lastPublic(t); got != "Sorry, the command isn't formatted properly." {
		t.Fatalf("bad add = %q", got)
	}
	h.say("Mod", "!auto_quote", true)
	if got := h.out.lastPublic(t); got != "Sorry, auto_quote must be followed by add, edit, or delete." {
		t.Fatalf("no action = %q", got)
	}
	if n := len(h.timers.Running()); n != 1 {
		t.Fatalf("running = %d", n)
	}

	h.say("Mod", "!stop_auto_quote 1", true)
	if n := len(h.timers.Running()); n != 0 {
		t.Fatalf("running after stop = %d", n)
	}
	if err := h.bot.StartAutoQuotes(context.Background()); err != nil {
		t.Fatalf("boot start: %v", err)
	}
	if n := len(h.timers.Running()); n != 0 {
		t.Fatalf("inactive quote started at boot")
	}

	h.say("Mod", "!auto_quote edit 1 30 drink water", true)
	if got := h.out.lastPublic(t); got != "Auto quote has been edited." {
		t.Fatalf("edit = %q", got)
	}
	h.say("Mod", "!delete_auto_quote 2", true)
	if got := h.out.lastPublic(t); got != "That auto quote does not exist." {
		t.Fatalf("delete missing = %q", got)
	}
	h.say("Mod", "!auto_quote delete 1", true)
	if got := h.out.lastPublic(t); got != "Auto quote deleted." {
		t.Fatalf("delete = %q", got)
	}
}

func TestHandlerFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	err := h.bot.reg.Add(
		Builtin{Name: "explode", Run: func(ctx context.Context, inv *Invocation) error {
			if err := inv.Tx.SetValue(ctx, store.KeyCurrentDeaths, "99"); err != nil {
				return err
			}
			return errors.New("boom")
		}},
		Builtin{Name: "panic", Run: func(ctx context.Context, inv *Invocation) error {
			_ = inv.Tx.SetValue(ctx, store.KeyTotalDeaths, "99")
			panic("oh no")
		}},
	)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	h.say("Alice", "!explode", false)
	if got := h.out.lastPublic(t); got != "Sorry Alice, something went wrong. Please try again later." {
		t.Fatalf("reply = %q", got)
	}
	h.say("Alice", "!panic", false)
	if got := h.out.lastPublic(t); got != "Sorry Alice, something went wrong. Please try again later." {
		t.Fatalf("panic reply = %q", got)
	}
	if v := h.value(t, store.KeyCurrentDeaths); v != "0" {
		t.Fatalf("current deaths = %q", v)
	}
	if v := h.value(t, store.KeyTotalDeaths); v != "0" {
		t.Fatalf("total deaths = %q", v)
	}
}

func TestStopSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.whisper("Mod", "!stop_speaking", true)
	if len(h.out.announced) != 1 || h.out.speaking {
		t.Fatalf("announced %v, speaking %v", h.out.announced, h.out.speaking)
	}
	h.whisper("Mod", "!start_speaking", true)
	if !h.out.speaking {
		t.Fatalf("still paused")
	}
}

func TestHelp(t *testing.T) {
	h := newHarness(t, nil)
	h.whisper("Bob", "!help", false)
	got := h.out.privateLines()
	if len(got) != 1 {
		t.Fatalf("private = %v", got)
	}
	if !strings.Contains(got[0].Text, "!join") || strings.Contains(got[0].Text, "!cycle") || strings.Contains(got[0].Text, "!quote") {
		t.Fatalf("help = %q", got[0].Text)
	}

	h.say("Bob", "!help !cycle", false)
	if got := h.out.lastPublic(t); got != "Sorry Bob, there's no !cycle you can use here." {
		t.Fatalf("hidden help = %q", got)
	}
	h.say("Bob", "!help quote", false)
	if got := h.out.lastPublic(t); !strings.HasPrefix(got, "!quote: ") {
		t.Fatalf("quote help = %q", got)
	}
}
