package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/gnasty-bot/internal/core"
	"github.com/you/gnasty-bot/internal/telemetry"
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectBackoff  = time.Second
	DefaultReadIdle          = 2 * time.Minute
	DefaultRateLimit         = 20
	DefaultRateWindow        = 30 * time.Second

	maxBackoff   = 60 * time.Second
	writeTimeout = 10 * time.Second
	twitchHost   = "irc.chat.twitch.tv"
)

type Config struct {
	Channel string
	Nick    string
	Token   string
	UseTLS  bool
	Addr    string
	// RefreshNow fetches a new token after the server rejects the current one.
	RefreshNow func(context.Context) (string, error)

	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	ReadIdle          time.Duration
	// RateLimit lines per RateWindow.
	RateLimit  int
	RateWindow time.Duration

	VerboseUnhandled bool
	Metrics          *telemetry.Metrics
}

type State int32

const (
	Disconnected State = iota
	Connecting
	Joining
	Ready
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joining:
		return "joining"
	case Ready:
		return "ready"
	default:
		return "disconnected"
	}
}

var ErrAuthFailed = errors.New("twitchirc: authentication failed")

// FatalError means the connection could not be restored and the failed
// operation could not be completed after one retry.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "twitchirc: fatal " + e.Op + ": " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

type session struct {
	conn net.Conn
	r    *bufio.Reader
	gen  uint64
}

// Client keeps one IRC connection to a single channel alive.
type Client struct {
	cfg     Config
	parser  *Parser
	limiter *rate.Limiter
	state   atomic.Int32

	mu    sync.Mutex
	token string
	sess  *session
	gen   uint64

	writeMu  sync.Mutex
	reconnMu sync.Mutex
}

func New(cfg Config) *Client {
	cfg.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#"))
	cfg.Nick = strings.ToLower(strings.TrimSpace(cfg.Nick))
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.ReadIdle <= 0 {
		cfg.ReadIdle = DefaultReadIdle
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	return &Client{
		cfg:     cfg,
		parser:  NewParser(cfg.Channel, cfg.Nick),
		limiter: rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit),
		token:   strings.TrimSpace(cfg.Token),
	}
}

func (c *Client) Parser() *Parser { return c.parser }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Connect dials and joins the channel. On an authentication failure it
// refreshes the token once (when RefreshNow is set) and tries again.
func (c *Client) Connect(ctx context.Context) error {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cfg.Channel == "" || c.cfg.Nick == "" {
		return errors.New("twitchirc: channel and nick are required")
	}
	err := c.dialAndJoin(ctx)
	if errors.Is(err, ErrAuthFailed) && c.cfg.RefreshNow != nil {
		log.Printf("twitchirc: authentication failed; refreshing token")
		if rerr := c.refresh(ctx); rerr != nil {
			return fmt.Errorf("twitchirc: refresh: %w", rerr)
		}
		err = c.dialAndJoin(ctx)
	}
	return err
}

func (c *Client) refresh(ctx context.Context) error {
	tok, err := c.cfg.RefreshNow(ctx)
	if err != nil {
		return err
	}
	if tok = strings.TrimSpace(tok); tok != "" {
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) addr() (addr, host string) {
	addr = twitchHost + ":6667"
	if c.cfg.UseTLS {
		addr = twitchHost + ":6697"
	}
	if a := strings.TrimSpace(c.cfg.Addr); a != "" {
		addr = a
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = twitchHost
	}
	return addr, host
}

func (c *Client) dialAndJoin(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return errors.New("twitchirc: token is required")
	}

	c.setState(Connecting)
	addr, host := c.addr()
	log.Printf("twitchirc: connecting to %s (tls=%v)", addr, c.cfg.UseTLS)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if c.cfg.UseTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("dial: %w", err)
	}

	s := &session{conn: conn, r: bufio.NewReader(conn)}
	for _, line := range []string{
		"PASS " + token,
		"NICK " + c.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"JOIN #" + c.cfg.Channel,
	} {
		if err := c.writeTo(s, line); err != nil {
			_ = conn.Close()
			c.setState(Disconnected)
			return fmt.Errorf("handshake write: %w", err)
		}
	}
	c.setState(Joining)

	if err := c.awaitJoin(ctx, s); err != nil {
		_ = conn.Close()
		c.setState(Disconnected)
		return err
	}

	c.mu.Lock()
	c.gen++
	s.gen = c.gen
	old := c.sess
	c.sess = s
	c.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	c.setState(Ready)
	log.Printf("twitchirc: joined #%s as %s", c.cfg.Channel, c.cfg.Nick)
	return nil
}

// awaitJoin reads until the end-of-names numeric. Running out of time is
// not an error; the session is used anyway.
func (c *Client) awaitJoin(ctx context.Context, s *session) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := s.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				log.Printf("twitchirc: no end of names within %s; continuing", c.cfg.HandshakeTimeout)
				return nil
			}
			return fmt.Errorf("handshake read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case authFailure(line):
			log.Printf("twitchirc: authentication failed per server NOTICE")
			return ErrAuthFailed
		case strings.HasPrefix(line, "PING"):
			if err := c.writeTo(s, "PONG "+pingPayload(line)); err != nil {
				return fmt.Errorf("handshake pong: %w", err)
			}
		case ircCommand(line) == "366" || strings.Contains(line, "End of /NAMES list"):
			return nil
		}
	}
}

func (c *Client) writeTo(s *session, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(s.conn, line+"\r\n")
	return err
}

// recoverFrom replaces the session with generation gen. If that session has
// already been replaced it does nothing, so concurrent failures reconnect
// once. reconnected reports whether this call dialled.
func (c *Client) recoverFrom(ctx context.Context, gen uint64, cause error) (reconnected bool, err error) {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()

	c.mu.Lock()
	cur := c.sess
	if cur != nil && cur.gen != gen {
		c.mu.Unlock()
		return false, nil
	}
	c.sess = nil
	c.mu.Unlock()
	if cur != nil {
		_ = cur.conn.Close()
	}
	c.setState(Disconnected)
	c.cfg.Metrics.IncReconnect()
	log.Printf("twitchirc: disconnected: %v; reconnecting", cause)

	backoff := c.cfg.ReconnectBackoff
	for attempt := 1; ; attempt++ {
		err = c.connectLocked(ctx)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Printf("twitchirc: reconnect attempt %d/%d failed: %v", attempt, c.cfg.ReconnectAttempts, err)
		if attempt >= c.cfg.ReconnectAttempts {
			return false, &FatalError{Op: "reconnect", Err: err}
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Send writes one raw line after waiting on the outbound rate limiter.
func (c *Client) Send(ctx context.Context, line string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.sendNow(ctx, line)
}

// sendNow writes without rate limiting. A failed write reconnects and is
// retried once; a second failure is fatal.
func (c *Client) sendNow(ctx context.Context, line string) error {
	line = stripNewlines(line)

	var (
		gen   uint64
		cause error = errors.New("not connected")
	)
	if s := c.current(); s != nil {
		if cause = c.writeTo(s, line); cause == nil {
			return nil
		}
		gen = s.gen
	}
	if _, err := c.recoverFrom(ctx, gen, cause); err != nil {
		return err
	}
	s := c.current()
	if s == nil {
		return &FatalError{Op: "send", Err: cause}
	}
	if err := c.writeTo(s, line); err != nil {
		return &FatalError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) SendPublic(ctx context.Context, text string) error {
	return c.Send(ctx, "PRIVMSG #"+c.cfg.Channel+" :"+text)
}

func (c *Client) SendPrivate(ctx context.Context, to, text string) error {
	return c.Send(ctx, "PRIVMSG #"+c.cfg.Channel+" :/w "+strings.TrimSpace(to)+" "+text)
}

// Reload swaps in a new token and reconnects with it.
func (c *Client) Reload(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("twitchirc: empty token")
	}
	c.mu.Lock()
	c.token = token
	var gen uint64
	if c.sess != nil {
		gen = c.sess.gen
	}
	c.mu.Unlock()
	_, err := c.recoverFrom(ctx, gen, errors.New("token reloaded"))
	return err
}

// Close drops the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	c.setState(Disconnected)
	if s == nil {
		return nil
	}
	return s.conn.Close()
}

// interrupt unblocks a pending read without tearing the session down.
func (c *Client) interrupt() {
	if s := c.current(); s != nil {
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

// Lines yields inbound lines forever, reconnecting as needed. It stops when
// ctx ends (without an error) or when the connection cannot be restored.
// Each call starts a fresh iteration over the current connection.
func (c *Client) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stop := context.AfterFunc(ctx, c.interrupt)
		defer stop()

		var (
			pending string
			probed  bool
			// generation we reconnected to ourselves and have not read from yet
			suspect uint64
		)
		for ctx.Err() == nil {
			s := c.current()
			if s == nil {
				if _, err := c.recoverFrom(ctx, 0, errors.New("not connected")); err != nil {
					if ctx.Err() == nil {
						yield("", err)
					}
					return
				}
				continue
			}

			_ = s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle))
			chunk, err := s.r.ReadString('\n')
			pending += chunk
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if isTimeout(err) {
					if !probed {
						probed = true
						if err := c.sendNow(ctx, "PING :keepalive"); err != nil {
							if ctx.Err() == nil {
								yield("", err)
							}
							return
						}
						continue
					}
					err = fmt.Errorf("no reply to keepalive within %s", c.cfg.ReadIdle)
				}
				pending, probed = "", false
				if s.gen == suspect {
					yield("", &FatalError{Op: "read", Err: err})
					return
				}
				reconnected, rerr := c.recoverFrom(ctx, s.gen, err)
				if rerr != nil {
					if ctx.Err() == nil {
						yield("", rerr)
					}
					return
				}
				if reconnected {
					if cur := c.current(); cur != nil {
						suspect = cur.gen
					}
				}
				continue
			}

			probed, suspect = false, 0
			line := strings.TrimRight(pending, "\r\n")
			pending = ""
			if line == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// Run connects if needed, then parses every inbound line. Pings are answered
// before the next line is read; chat messages go to dispatch. It returns
// ctx.Err() on cancellation or a *FatalError.
func (c *Client) Run(ctx context.Context, dispatch func(context.Context, core.Message)) error {
	if c.State() != Ready {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	defer c.Close()

	unhandled := newUnhandledLog(time.Now(), c.cfg.VerboseUnhandled, 0)
	defer func() { unhandled.flush(time.Now()) }()

	for line, err := range c.Lines(ctx) {
		if err != nil {
			return err
		}
		msg := c.parser.Parse(line)
		c.cfg.Metrics.IncLine(msg.Kind.String())

		switch msg.Kind {
		case core.KindPing:
			if err := c.sendNow(ctx, "PONG "+pingPayload(line)); err != nil {
				return err
			}
		case core.KindPublic, core.KindPrivate:
			dispatch(ctx, msg)
		default:
			handled, err := c.control(ctx, line)
			if err != nil {
				return err
			}
			if !handled {
				unhandled.note(time.Now(), msg.Kind.String(), line)
			}
		}
	}
	return ctx.Err()
}

// control reacts to server lines that affect the connection itself.
func (c *Client) control(ctx context.Context, line string) (bool, error) {
	var gen uint64
	if s := c.current(); s != nil {
		gen = s.gen
	}

	switch {
	case authFailure(line):
		if c.cfg.RefreshNow == nil {
			return true, &FatalError{Op: "auth", Err: ErrAuthFailed}
		}
		log.Printf("twitchirc: authentication failed; refreshing token")
		if err := c.refresh(ctx); err != nil {
			return true, &FatalError{Op: "refresh", Err: err}
		}
		_, err := c.recoverFrom(ctx, gen, ErrAuthFailed)
		return true, err
	case ircCommand(line) == "RECONNECT":
		_, err := c.recoverFrom(ctx, gen, errors.New("server requested reconnect"))
		return true, err
	}
	return false, nil
}

// authFailure reports whether line is a NOTICE from tmi.twitch.tv itself
// rejecting the login. Viewer text carried by PRIVMSG or USERNOTICE never
// matches.
func authFailure(line string) bool {
	rest := strings.TrimSpace(line)
	if strings.HasPrefix(rest, "@") {
		_, rest, _ = strings.Cut(rest, " ")
	}
	prefix, rest, ok := strings.Cut(strings.TrimSpace(rest), " ")
	if !ok || !strings.EqualFold(prefix, ":tmi.twitch.tv") {
		return false
	}
	cmd, rest, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if !strings.EqualFold(cmd, "NOTICE") {
		return false
	}
	_, text, _ := strings.Cut(rest, ":")
	text = strings.ToLower(text)
	return strings.Contains(text, "authentication failed") ||
		strings.Contains(text, "improperly formatted auth")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
