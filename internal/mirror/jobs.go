package mirror

import (
	"context"
	"fmt"
	"strings"

	"github.com/you/gnasty-bot/internal/delivery"
	"github.com/you/gnasty-bot/internal/playerqueue"
	"github.com/you/gnasty-bot/internal/store"
)

// Deferred job names.
const (
	JobSyncQuotes      = "sync_quotes"
	JobSyncAutoQuotes  = "sync_auto_quotes"
	JobSyncCommands    = "sync_commands"
	JobSyncPlayerQueue = "sync_player_queue"
	JobSyncGuesses     = "sync_guesses"
)

// Registrar is the part of the outbox the sync jobs need.
type Registrar interface {
	Register(name string, fn delivery.JobFunc)
}

// Jobs renders data sets into rows and publishes them.
type Jobs struct {
	Mirror  Mirror
	Store   store.Store
	Players *playerqueue.Queue
}

// Register binds every sync job on r.
func (j *Jobs) Register(r Registrar) {
	r.Register(JobSyncQuotes, j.view(ViewQuotes, quoteRows))
	r.Register(JobSyncAutoQuotes, j.view(ViewAutoQuotes, autoQuoteRows))
	r.Register(JobSyncCommands, j.view(ViewCommands, commandRows))
	r.Register(JobSyncGuesses, j.view(ViewGuesses, guessRows))
	r.Register(JobSyncPlayerQueue, func(ctx context.Context, _ map[string]any) error {
		return j.Mirror.Publish(ctx, ViewPlayerQueue, playerRows(j.Players.Entries()))
	})
}

// view reads inside a transaction that is always rolled back.
func (j *Jobs) view(name string, rows func(context.Context, store.Tx) ([][]any, error)) delivery.JobFunc {
	return func(ctx context.Context, _ map[string]any) error {
		tx, err := j.Store.Begin(ctx)
		if err != nil {
			return err
		}
		data, err := rows(ctx, tx)
		_ = tx.Close()
		if err != nil {
			return fmt.Errorf("mirror: read %s: %w", name, err)
		}
		return j.Mirror.Publish(ctx, name, data)
	}
}

func quoteRows(ctx context.Context, tx store.Tx) ([][]any, error) {
	quotes, err := tx.ListQuotes(ctx)
	if err != nil {
		return nil, err
	}
	rows := [][]any{{"#", "Quote"}}
	for i, q := range quotes {
		rows = append(rows, []any{i + 1, q.Text})
	}
	return rows, nil
}

func autoQuoteRows(ctx context.Context, tx store.Tx) ([][]any, error) {
	aqs, err := tx.ListAutoQuotes(ctx)
	if err != nil {
		return nil, err
	}
	rows := [][]any{{"#", "Quote", "Period (s)", "Active"}}
	for i, aq := range aqs {
		rows = append(rows, []any{i + 1, aq.Text, aq.Period, aq.Active})
	}
	return rows, nil
}

func commandRows(ctx context.Context, tx store.Tx) ([][]any, error) {
	cmds, err := tx.ListCommands(ctx)
	if err != nil {
		return nil, err
	}
	rows := [][]any{{"Command", "Response", "Permitted users"}}
	for _, c := range cmds {
		rows = append(rows, []any{"!" + c.Call, c.Response, strings.Join(c.PermittedUsers, " ")})
	}
	return rows, nil
}

func guessRows(ctx context.Context, tx store.Tx) ([][]any, error) {
	users, err := tx.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	rows := [][]any{{"User", "Guess", "Total guess"}}
	for _, u := range users {
		if u.CurrentGuess == nil && u.TotalGuess == nil {
			continue
		}
		rows = append(rows, []any{u.Name, cell(u.CurrentGuess), cell(u.TotalGuess)})
	}
	return rows, nil
}

func playerRows(entries []playerqueue.Entry) [][]any {
	rows := [][]any{{"Position", "Player", "Times played"}}
	for i, e := range entries {
		rows = append(rows, []any{i + 1, e.Player, e.Priority})
	}
	return rows
}

func cell(p *int) any {
	if p == nil {
		return ""
	}
	return *p
}
