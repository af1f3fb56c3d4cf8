package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"google.golang.org/api/option"

	"github.com/you/gnasty-bot/internal/autobroadcast"
	"github.com/you/gnasty-bot/internal/bot"
	"github.com/you/gnasty-bot/internal/config"
	"github.com/you/gnasty-bot/internal/delivery"
	"github.com/you/gnasty-bot/internal/httpapi"
	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/playerqueue"
	"github.com/you/gnasty-bot/internal/store"
	"github.com/you/gnasty-bot/internal/telemetry"
	"github.com/you/gnasty-bot/internal/twitchauth"
	"github.com/you/gnasty-bot/internal/twitchirc"
	"github.com/you/gnasty-bot/internal/version"
)

const drainTimeout = 5 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("gnasty-bot: env file: %v", err)
	}

	var (
		versionFlag      bool
		twChannel        string
		twNick           string
		twToken          string
		twTokenFile      string
		twRefreshFile    string
		twClientID       string
		twClientSecret   string
		twTLS            bool
		storeDSN         string
		snapshotPath     string
		httpAddr         string
		logLevel         string
		verboseUnhandled bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&twChannel, "channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&twNick, "nick", "", "Twitch nickname to login as")
	flag.StringVar(&twToken, "token", "", "Twitch OAuth token (format: oauth:xxxxx)")
	flag.StringVar(&twTokenFile, "token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&twRefreshFile, "refresh-token-file", "", "Path to file containing the Twitch refresh token")
	flag.StringVar(&twClientID, "client-id", "", "Twitch application client ID")
	flag.StringVar(&twClientSecret, "client-secret", "", "Twitch application client secret")
	flag.BoolVar(&twTLS, "tls", true, "Use TLS (port 6697) for the Twitch IRC connection")
	flag.StringVar(&storeDSN, "store", "", "Store DSN: a SQLite path or postgres:// URL")
	flag.StringVar(&snapshotPath, "snapshot", "", "Player queue snapshot path (.json, or .db/.bolt for bbolt)")
	flag.StringVar(&httpAddr, "http-addr", "", "Admin HTTP address (e.g., :8765)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&verboseUnhandled, "verbose-unhandled", false, "Log every unhandled IRC line")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"gnasty-bot version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["channel"] {
		cfg.Twitch.Channel = strings.TrimPrefix(strings.TrimSpace(twChannel), "#")
	}
	if overrides["nick"] {
		cfg.Twitch.Nick = strings.TrimSpace(twNick)
	}
	if overrides["token"] {
		cfg.Twitch.Token = strings.TrimSpace(twToken)
	}
	if overrides["token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["refresh-token-file"] {
		cfg.Twitch.RefreshTokenFile = strings.TrimSpace(twRefreshFile)
	}
	if overrides["client-id"] {
		cfg.Twitch.ClientID = strings.TrimSpace(twClientID)
	}
	if overrides["client-secret"] {
		cfg.Twitch.ClientSecret = strings.TrimSpace(twClientSecret)
	}
	if overrides["tls"] {
		cfg.Twitch.TLS = twTLS
	}
	if overrides["store"] {
		cfg.Store.DSN = strings.TrimSpace(storeDSN)
	}
	if overrides["snapshot"] {
		cfg.Players.SnapshotPath = strings.TrimSpace(snapshotPath)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["log-level"] {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if overrides["verbose-unhandled"] {
		cfg.Twitch.VerboseUnhandled = verboseUnhandled
	}

	setupLogging(cfg)
	log.Printf("%s", cfg.SummaryJSON())
	if cfg.Twitch.LegacyChannelEnv != "" || cfg.Twitch.LegacyTokenEnv != "" {
		log.Printf("gnasty-bot: using legacy TWITCH_* variables; prefer the GNASTY_TWITCH_* names")
	}

	if cfg.Twitch.Channel == "" || cfg.Twitch.Nick == "" {
		log.Fatal("gnasty-bot: channel and nick are required")
	}

	os.Exit(run(cfg))
}

func setupLogging(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg config.Config) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("gnasty-bot: received %s, shutting down", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.InitTracing("gnasty-bot", version.Version)
	if err != nil {
		log.Printf("gnasty-bot: tracing: %v", err)
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	metrics := telemetry.NewMetrics()

	db, err := store.Open(ctx, cfg.Store.DSN, store.Options{SQLiteTuning: cfg.Store.SQLiteTuning})
	if err != nil {
		log.Printf("gnasty-bot: open store: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("gnasty-bot: close store: %v", err)
		}
	}()

	snapshot, players := openPlayers(cfg)
	if c, ok := snapshot.(io.Closer); ok {
		defer c.Close()
	}

	tokenFiles := twitchauth.TokenFiles{AccessPath: cfg.Twitch.TokenFile, RefreshPath: cfg.Twitch.RefreshTokenFile}
	seedRefreshFile(cfg, tokenFiles)
	loader := twitchauth.NewLoader(tokenFiles)
	token := initialToken(cfg, loader)
	if token == "" {
		log.Printf("gnasty-bot: no twitch token; set GNASTY_TWITCH_TOKEN or GNASTY_TWITCH_TOKEN_FILE")
		return 1
	}

	ircCfg := twitchirc.Config{
		Channel:          cfg.Twitch.Channel,
		Nick:             cfg.Twitch.Nick,
		Token:            token,
		UseTLS:           cfg.Twitch.TLS,
		Addr:             cfg.Twitch.Addr,
		RateLimit:        cfg.Twitch.RateLimit,
		VerboseUnhandled: cfg.Twitch.VerboseUnhandled,
		Metrics:          metrics,
	}
	if cfg.RefreshEnabled() && cfg.Twitch.TokenFile != "" && cfg.Twitch.RefreshTokenFile != "" {
		refresher := &twitchauth.Refresher{
			Files:        tokenFiles,
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
		}
		ircCfg.RefreshNow = func(ctx context.Context) (string, error) {
			tok, err := refresher.Refresh(ctx)
			if err == nil {
				// the client already has the new token; the watcher must not reconnect again
				loader.SetCached(tok)
			}
			return tok, err
		}
	}
	client := twitchirc.New(ircCfg)

	hub := httpapi.NewHub(metrics)
	fatal := make(chan error, 1)
	outbox := delivery.NewOutbox(client, delivery.Options{
		BroadcastInterval: cfg.BroadcastInterval(),
		ReplyInterval:     cfg.ReplyInterval(),
		JobInterval:       cfg.JobInterval(),
		Metrics:           metrics,
		Observer:          hub,
		OnError: func(queue string, err error) {
			var fe *twitchirc.FatalError
			if errors.As(err, &fe) {
				select {
				case fatal <- err:
				default:
				}
				cancel()
			}
		},
	})

	mirrorImpl := openMirror(ctx, cfg)
	jobs := &mirror.Jobs{Mirror: mirrorImpl, Store: db, Players: players}
	jobs.Register(outbox)

	scheduler := autobroadcast.New(outbox.Public)

	b, err := bot.New(bot.Deps{
		Store:         db,
		Out:           outbox,
		Players:       players,
		Snapshot:      snapshot,
		Timers:        scheduler,
		Mirror:        mirrorImpl,
		Metrics:       metrics,
		Channel:       cfg.Twitch.Channel,
		ConfirmWindow: cfg.ConfirmWindow(),
		DeathFiles:    bot.DeathFiles{Current: cfg.Deaths.CurrentFile, Total: cfg.Deaths.TotalFile},
	})
	if err != nil {
		log.Printf("gnasty-bot: %v", err)
		return 1
	}
	b.RegisterJobs(outbox)

	reloader := twitchauth.NewReloader(loader, client, cfg.Twitch.Nick)
	if cfg.Twitch.TokenFile != "" {
		if err := twitchauth.Watch(ctx, func() { reloader.Rotated(ctx) }, cfg.Twitch.TokenFile); err != nil {
			log.Printf("gnasty-bot: watch token file: %v", err)
		}
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.New(httpapi.Options{
			Addr:            cfg.HTTP.Addr,
			RateLimitRPS:    cfg.HTTP.RateRPS,
			RateLimitBurst:  cfg.HTTP.RateBurst,
			TrustProxy:      cfg.HTTP.TrustProxy,
			EnableMetrics:   cfg.HTTP.Metrics,
			EnableAccessLog: cfg.HTTP.AccessLog,
			EnablePprof:     cfg.HTTP.Pprof,
			Build:           buildInfo(),
			ConfigSnapshot:  cfg.RedactedJSON(),
			Metrics:         metrics,
		}, httpapi.Deps{
			State:    func() string { return client.State().String() },
			Depths:   outbox.Depths,
			Reloader: reloader,
			Speaker:  outbox,
			Hub:      hub,
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Printf("gnasty-bot: http api: %v", err)
				cancel()
			}
		}()
	}

	if err := client.Connect(ctx); err != nil {
		log.Printf("gnasty-bot: connect: %v", err)
		return 1
	}
	outbox.Start(ctx)
	if err := b.StartAutoQuotes(ctx); err != nil {
		log.Printf("gnasty-bot: start auto quotes: %v", err)
	}
	log.Printf("gnasty-bot: joined #%s as %s", cfg.Twitch.Channel, cfg.Twitch.Nick)

	runErr := client.Run(ctx, b.Dispatch)
	cancel()

	scheduler.StopAll()
	b.Close()
	outbox.Wait()

	var fe *twitchirc.FatalError
	select {
	case err := <-fatal:
		runErr = err
	default:
	}
	fatalExit := errors.As(runErr, &fe)

	// the root context is gone; sends during the drain reconnect on their own
	if !fatalExit {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		outbox.Drain(drainCtx)
		drainCancel()
	}
	_ = client.Close()

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("gnasty-bot: http shutdown: %v", err)
		}
		shutdownCancel()
	}

	if fatalExit {
		log.Printf("gnasty-bot: %v", runErr)
		return 1
	}
	log.Printf("gnasty-bot: stopped")
	return 0
}

func openPlayers(cfg config.Config) (playerqueue.Snapshotter, *playerqueue.Queue) {
	players := playerqueue.New()
	snapshot, err := playerqueue.OpenSnapshot(cfg.Players.SnapshotPath)
	if err != nil {
		log.Printf("gnasty-bot: player snapshot disabled: %v", err)
		players.SetCycleSize(cfg.Players.CycleSize)
		return nil, players
	}
	entries, err := snapshot.Load()
	if err != nil {
		log.Printf("gnasty-bot: load player snapshot: %v", err)
	} else if len(entries) > 0 {
		players = playerqueue.FromEntries(entries)
		log.Printf("gnasty-bot: restored %d queued players", len(entries))
	}
	players.SetCycleSize(cfg.Players.CycleSize)
	players.OnChange(func(entries []playerqueue.Entry) {
		if err := snapshot.Save(entries); err != nil {
			slog.Error("gnasty-bot: save player snapshot", "err", err)
		}
	})
	return snapshot, players
}

func openMirror(ctx context.Context, cfg config.Config) mirror.Mirror {
	if !cfg.SheetsEnabled() {
		log.Printf("gnasty-bot: no spreadsheet configured; sync jobs only log")
		return mirror.Noop{}
	}
	var opts []option.ClientOption
	if cfg.Sheets.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Sheets.CredentialsFile))
	}
	sheets, err := mirror.NewSheets(ctx, cfg.Sheets.SpreadsheetID, opts...)
	if err != nil {
		log.Printf("gnasty-bot: sheets mirror disabled: %v", err)
		return mirror.Noop{}
	}
	return sheets
}

// initialToken prefers the token file so a rotated token survives restarts.
func initialToken(cfg config.Config, loader *twitchauth.Loader) string {
	if cfg.Twitch.TokenFile != "" {
		tok, _, err := loader.Load()
		if err == nil {
			return tok
		}
		if !errors.Is(err, twitchauth.ErrEmptyToken) {
			log.Printf("gnasty-bot: twitch token file: %v", err)
		}
	}
	tok := twitchauth.NormalizeToken(cfg.Twitch.Token)
	if tok != "" {
		loader.SetCached(tok)
	}
	return tok
}

// seedRefreshFile writes a refresh token given through the environment into
// the refresh file when that file does not exist yet.
func seedRefreshFile(cfg config.Config, files twitchauth.TokenFiles) {
	if cfg.Twitch.RefreshToken == "" || files.RefreshPath == "" {
		return
	}
	if _, err := os.Stat(files.RefreshPath); err == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(files.RefreshPath), 0o755); err != nil {
		log.Printf("gnasty-bot: refresh token dir: %v", err)
		return
	}
	if err := os.WriteFile(files.RefreshPath, []byte(cfg.Twitch.RefreshToken+"\n"), 0o600); err != nil {
		log.Printf("gnasty-bot: seed refresh token file: %v", err)
	}
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}
