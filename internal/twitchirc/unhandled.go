package twitchirc

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	summaryInterval     = 30 * time.Second
	summarySampleMaxLen = 96
	summaryChannelMax   = 32
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
	tagUnescaper = strings.NewReplacer(`\s`, " ", `\:`, ";", `\\`, `\`, `\r`, "", `\n`, "")
)

type lineSummary struct {
	command string
	channel string
	sample  string
}

type kindTally struct {
	total     int
	byCommand map[string]int
	samples   map[string]lineSummary
}

// unhandledLog batches lines that were neither dispatched nor answered and
// logs one summary per kind every interval.
type unhandledLog struct {
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	kinds    map[string]*kindTally
}

func newUnhandledLog(now time.Time, verbose bool, interval time.Duration) *unhandledLog {
	if interval <= 0 {
		interval = summaryInterval
	}
	return &unhandledLog{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		kinds:    make(map[string]*kindTally),
	}
}

func (u *unhandledLog) note(now time.Time, kind, rawLine string) {
	if u == nil {
		return
	}
	s := summarizeLine(rawLine)
	if u.verbose {
		slog.Debug("twitchirc: unhandled line", "kind", kind, "command", s.command, "channel", s.channel, "sample", s.sample)
	}

	t := u.kinds[kind]
	if t == nil {
		t = &kindTally{byCommand: make(map[string]int), samples: make(map[string]lineSummary)}
		u.kinds[kind] = t
	}
	t.total++
	t.byCommand[s.command]++
	if _, ok := t.samples[s.command]; !ok {
		t.samples[s.command] = s
	}

	if !now.Before(u.nextEmit) {
		u.flush(now)
	}
}

func (u *unhandledLog) flush(now time.Time) {
	if u == nil {
		return
	}
	for _, kind := range sortedKeys(u.kinds) {
		t := u.kinds[kind]
		if t.total == 0 {
			continue
		}
		slog.Info("twitchirc: unhandled_"+kind,
			"total", t.total,
			"commands", formatCounts(t.byCommand),
			"samples", formatSamples(t.samples),
		)
	}
	clear(u.kinds)
	u.nextEmit = now.Add(u.interval)
}

// summarizeLine pulls the IRC command, first channel and a redacted sample
// out of a raw line.
func summarizeLine(rawLine string) lineSummary {
	line := strings.TrimSpace(rawLine)
	tagPart := ""
	if strings.HasPrefix(line, "@") {
		idx := strings.IndexByte(line, ' ')
		if idx == -1 {
			return lineSummary{command: "UNKNOWN", sample: sanitizeAndTruncate(line, summarySampleMaxLen)}
		}
		tagPart = line[1:idx]
		line = strings.TrimSpace(line[idx+1:])
	}
	if strings.HasPrefix(line, ":") {
		idx := strings.IndexByte(line, ' ')
		if idx == -1 {
			return lineSummary{command: "UNKNOWN", sample: sanitizeAndTruncate(line, summarySampleMaxLen)}
		}
		line = strings.TrimSpace(line[idx+1:])
	}
	if line == "" {
		return lineSummary{command: "UNKNOWN"}
	}

	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(strings.TrimSpace(cmd))
	rest = strings.TrimSpace(rest)

	channel := ""
	for _, part := range strings.Fields(rest) {
		if strings.HasPrefix(part, "#") {
			channel = part
			break
		}
	}

	sample := ""
	if cmd == "USERNOTICE" {
		if msgID := tagValue(tagPart, "msg-id"); msgID != "" {
			sample = "msg-id=" + msgID
		}
	}
	if sample == "" {
		if _, trailing, ok := strings.Cut(rest, " :"); ok {
			sample = strings.TrimSpace(trailing)
		}
	}
	if sample == "" {
		sample = rest
	}
	sample = strings.TrimPrefix(sample, ":")

	return lineSummary{
		command: cmd,
		channel: sanitizeAndTruncate(channel, summaryChannelMax),
		sample:  sanitizeAndTruncate(sample, summarySampleMaxLen),
	}
}

// ircCommand returns the upper-cased command word of a raw line.
func ircCommand(rawLine string) string {
	return summarizeLine(rawLine).command
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}

	upper := strings.ToUpper(s)
	if upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		s = "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func tagValue(rawTags, key string) string {
	for _, kv := range strings.Split(rawTags, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return tagUnescaper.Replace(v)
		}
	}
	return ""
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, cmd := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", cmd, counts[cmd]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatSamples(samples map[string]lineSummary) string {
	parts := make([]string, 0, len(samples))
	for _, cmd := range sortedKeys(samples) {
		s := samples[cmd]
		if s.channel != "" {
			parts = append(parts, cmd+":'"+s.channel+" "+s.sample+"'")
			continue
		}
		parts = append(parts, cmd+":'"+s.sample+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
