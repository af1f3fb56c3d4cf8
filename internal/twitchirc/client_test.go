package twitchirc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-bot/internal/core"
)

type fakeServer struct {
	ln    net.Listener
	conns chan *fakeConn
}

type fakeConn struct {
	net.Conn
	r *bufio.Reader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, conns: make(chan *fakeConn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- &fakeConn{Conn: conn, r: bufio.NewReader(conn)}
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection")
		return nil
	}
}

func (c *fakeConn) readLine(t *testing.T) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *fakeConn) write(format string, args ...any) {
	fmt.Fprintf(c, format+"\r\n", args...)
}

// handshake consumes PASS/NICK/CAP/JOIN and answers with end of names.
func (c *fakeConn) handshake(t *testing.T) []string {
	t.Helper()
	lines := make([]string, 4)
	for i := range lines {
		lines[i] = c.readLine(t)
	}
	c.write(":tmi.twitch.tv 366 bot #chan :End of /NAMES list")
	return lines
}

func testConfig(addr string) Config {
	return Config{
		Channel:           "Chan",
		Nick:              "bot",
		Token:             "oauth:old",
		Addr:              addr,
		HandshakeTimeout:  time.Second,
		ReconnectAttempts: 2,
		ReconnectBackoff:  10 * time.Millisecond,
		RateLimit:         100,
		RateWindow:        time.Second,
	}
}

func connectAsync(ctx context.Context, c *Client) chan error {
	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx) }()
	return done
}

func wait(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out")
		return nil
	}
}

func TestHandshakeAndStates(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))
	if client.State() != Disconnected {
		t.Fatalf("initial state = %v", client.State())
	}

	done := connectAsync(context.Background(), client)
	conn := srv.accept(t)
	lines := conn.handshake(t)
	if err := wait(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	want := []string{
		"PASS oauth:old",
		"NICK bot",
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"JOIN #chan",
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("handshake line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if client.State() != Ready {
		t.Fatalf("state = %v", client.State())
	}

	ctx := context.Background()
	if err := client.SendPublic(ctx, "hello\r\nworld"); err != nil {
		t.Fatalf("send public: %v", err)
	}
	if got := conn.readLine(t); got != "PRIVMSG #chan :hello  world" {
		t.Fatalf("public line = %q", got)
	}
	if err := client.SendPrivate(ctx, "Alice", "psst"); err != nil {
		t.Fatalf("send private: %v", err)
	}
	if got := conn.readLine(t); got != "PRIVMSG #chan :/w Alice psst" {
		t.Fatalf("private line = %q", got)
	}
}

func TestHandshakeTimeoutStillReady(t *testing.T) {
	srv := newFakeServer(t)
	cfg := testConfig(srv.ln.Addr().String())
	cfg.HandshakeTimeout = 50 * time.Millisecond
	client := New(cfg)

	done := connectAsync(context.Background(), client)
	conn := srv.accept(t)
	for i := 0; i < 4; i++ {
		conn.readLine(t)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if client.State() != Ready {
		t.Fatalf("state = %v", client.State())
	}
}

func TestAuthFailureRefreshesOnce(t *testing.T) {
	srv := newFakeServer(t)
	cfg := testConfig(srv.ln.Addr().String())
	refreshed := 0
	cfg.RefreshNow = func(context.Context) (string, error) {
		refreshed++
		return "oauth:new", nil
	}
	client := New(cfg)

	done := connectAsync(context.Background(), client)
	first := srv.accept(t)
	for i := 0; i < 4; i++ {
		first.readLine(t)
	}
	first.write(":tmi.twitch.tv NOTICE * :Login authentication failed")

	second := srv.accept(t)
	lines := second.handshake(t)
	if err := wait(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if refreshed != 1 {
		t.Fatalf("refreshed %d times", refreshed)
	}
	if lines[0] != "PASS oauth:new" {
		t.Fatalf("second PASS = %q", lines[0])
	}
}

func TestAuthFailureWithoutRefresh(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))

	done := connectAsync(context.Background(), client)
	conn := srv.accept(t)
	for i := 0; i < 4; i++ {
		conn.readLine(t)
	}
	conn.write(":tmi.twitch.tv NOTICE * :Improperly formatted auth")
	if err := wait(t, done); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if client.State() != Disconnected {
		t.Fatalf("state = %v", client.State())
	}
}

func TestAuthFailureOnlyFromServerNotice(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{":tmi.twitch.tv NOTICE * :Login authentication failed", true},
		{"@msg-id=login_failed :tmi.twitch.tv NOTICE * :Login authentication failed", true},
		{":tmi.twitch.tv NOTICE * :Improperly formatted auth", true},
		{":tmi.twitch.tv NOTICE #chan :This room is now in slow mode.", false},
		{"@msg-id=resub;display-name=Bob :tmi.twitch.tv USERNOTICE #chan :my authentication failed lol", false},
		{":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :Login authentication failed", false},
		{":bob!bob@bob.tmi.twitch.tv NOTICE #chan :Login authentication failed", false},
	}
	for _, tc := range cases {
		if got := authFailure(tc.line); got != tc.want {
			t.Fatalf("authFailure(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestRunIgnoresAuthTextInUserNotice(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatched()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, d.fn) }()

	conn := srv.accept(t)
	conn.handshake(t)
	conn.write("@msg-id=resub;display-name=Bob :tmi.twitch.tv USERNOTICE #chan :my authentication failed lol")
	conn.write(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :Login authentication failed")
	conn.write(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :still here")

	d.next(t)
	if msg := d.next(t); msg.Text != "still here" {
		t.Fatalf("last message = %q", msg.Text)
	}
	d.mu.Lock()
	first := d.msgs[0].Text
	d.mu.Unlock()
	if first != "Login authentication failed" {
		t.Fatalf("first message = %q", first)
	}
	select {
	case err := <-runErr:
		t.Fatalf("run ended: %v", err)
	default:
	}
	if client.State() != Ready {
		t.Fatalf("state = %v", client.State())
	}

	cancel()
	if err := wait(t, runErr); !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v", err)
	}
}

type dispatched struct {
	mu   sync.Mutex
	msgs []core.Message
	ch   chan struct{}
}

func newDispatched() *dispatched { return &dispatched{ch: make(chan struct{}, 16)} }

func (d *dispatched) fn(_ context.Context, m core.Message) {
	d.mu.Lock()
	d.msgs = append(d.msgs, m)
	d.mu.Unlock()
	d.ch <- struct{}{}
}

func (d *dispatched) next(t *testing.T) core.Message {
	t.Helper()
	select {
	case <-d.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing dispatched")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msgs[len(d.msgs)-1]
}

func TestRunAnswersPingAndDispatches(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatched()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, d.fn) }()

	conn := srv.accept(t)
	conn.handshake(t)

	conn.write("PING :tmi.twitch.tv")
	if got := conn.readLine(t); got != "PONG :tmi.twitch.tv" {
		t.Fatalf("pong = %q", got)
	}

	conn.write(":tmi.twitch.tv NOTICE #chan :some notice")
	conn.write("@display-name=Alice :alice!alice@alice.tmi.twitch.tv PRIVMSG #chan :!quote")
	msg := d.next(t)
	if msg.Kind != core.KindPublic || msg.Text != "!quote" || msg.DisplayName != "Alice" {
		t.Fatalf("dispatched %+v", msg)
	}

	cancel()
	if err := wait(t, runErr); !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v", err)
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatched()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, d.fn) }()

	first := srv.accept(t)
	first.handshake(t)
	first.write(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :before")
	if msg := d.next(t); msg.Text != "before" {
		t.Fatalf("first message = %q", msg.Text)
	}
	_ = first.Close()

	second := srv.accept(t)
	second.handshake(t)
	second.write(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :after")
	if msg := d.next(t); msg.Text != "after" {
		t.Fatalf("second message = %q", msg.Text)
	}

	cancel()
	wait(t, runErr)
}

func TestServerReconnectCommand(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDispatched()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, d.fn) }()

	first := srv.accept(t)
	first.handshake(t)
	first.write(":tmi.twitch.tv RECONNECT")

	second := srv.accept(t)
	second.handshake(t)
	second.write(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hi again")
	if msg := d.next(t); msg.Text != "hi again" {
		t.Fatalf("message = %q", msg.Text)
	}
	cancel()
	wait(t, runErr)
}

func TestFatalWhenServerGone(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))

	done := connectAsync(context.Background(), client)
	conn := srv.accept(t)
	conn.handshake(t)
	if err := wait(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = srv.ln.Close()
	_ = conn.Close()

	var err error
	for i := 0; i < 5; i++ {
		err = client.SendPublic(context.Background(), "anyone?")
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected FatalError, got %v", err)
}

func TestSendRetriesOnceAfterReconnect(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))

	done := connectAsync(context.Background(), client)
	srv.accept(t).handshake(t)
	if err := wait(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	// Break the live socket so the first write fails on the client side.
	_ = client.current().conn.Close()

	sent := make(chan error, 1)
	go func() { sent <- client.SendPublic(context.Background(), "second try") }()

	second := srv.accept(t)
	second.handshake(t)
	if err := wait(t, sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := second.readLine(t); got != "PRIVMSG #chan :second try" {
		t.Fatalf("retried line = %q", got)
	}
	if client.State() != Ready {
		t.Fatalf("state = %v", client.State())
	}
}

func TestReloadReconnectsWithNewToken(t *testing.T) {
	srv := newFakeServer(t)
	client := New(testConfig(srv.ln.Addr().String()))

	done := connectAsync(context.Background(), client)
	srv.accept(t).handshake(t)
	if err := wait(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	reload := make(chan error, 1)
	go func() { reload <- client.Reload(context.Background(), "oauth:rotated") }()
	lines := srv.accept(t).handshake(t)
	if err := wait(t, reload); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lines[0] != "PASS oauth:rotated" {
		t.Fatalf("PASS = %q", lines[0])
	}
}
