package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
	done    bool
}

func (t *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(q), args...)
}

func (t *sqlTx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(q), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(q), args...)
}

func (t *sqlTx) Commit() error {
	if t.done {
		return errors.New("store: transaction already finished")
	}
	t.done = true
	return errors.Wrap(t.tx.Commit(), "commit")
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return errors.Wrap(t.tx.Rollback(), "rollback")
}

func (t *sqlTx) Close() error {
	return t.Rollback()
}

/***************
 * Commands
 ***************/

func (t *sqlTx) FindCommand(ctx context.Context, call string) (CommandRecord, bool, error) {
	var rec CommandRecord
	err := t.queryRow(ctx, `SELECT id, call_name, response FROM commands WHERE call_name = ?;`,
		strings.ToLower(call)).Scan(&rec.ID, &rec.Call, &rec.Response)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandRecord{}, false, nil
	}
	if err != nil {
		return CommandRecord{}, false, errors.Wrap(err, "find command")
	}

	perms, err := t.permissions(ctx, &rec.ID)
	if err != nil {
		return CommandRecord{}, false, err
	}
	rec.PermittedUsers = perms[rec.ID]
	return rec, true, nil
}

// permissions loads permitted users, for one command when id is non-nil.
func (t *sqlTx) permissions(ctx context.Context, id *int64) (map[int64][]string, error) {
	q := `SELECT command_id, user_entity FROM command_permissions ORDER BY command_id, user_entity;`
	var args []any
	if id != nil {
		q = `SELECT command_id, user_entity FROM command_permissions WHERE command_id = ? ORDER BY user_entity;`
		args = append(args, *id)
	}
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list permissions")
	}
	defer rows.Close()

	out := map[int64][]string{}
	for rows.Next() {
		var (
			cid  int64
			user string
		)
		if err := rows.Scan(&cid, &user); err != nil {
			return nil, errors.Wrap(err, "scan permission")
		}
		out[cid] = append(out[cid], user)
	}
	return out, errors.Wrap(rows.Err(), "iterate permissions")
}

func (t *sqlTx) ListCommands(ctx context.Context) ([]CommandRecord, error) {
	rows, err := t.query(ctx, `SELECT id, call_name, response FROM commands ORDER BY call_name;`)
	if err != nil {
		return nil, errors.Wrap(err, "list commands")
	}
	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(&rec.ID, &rec.Call, &rec.Response); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan command")
		}
		out = append(out, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "iterate commands")
	}

	perms, err := t.permissions(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].PermittedUsers = perms[out[i].ID]
	}
	return out, nil
}

func (t *sqlTx) AddCommand(ctx context.Context, rec CommandRecord) error {
	var id int64
	err := t.queryRow(ctx, `INSERT INTO commands (call_name, response) VALUES (?, ?) RETURNING id;`,
		strings.ToLower(rec.Call), rec.Response).Scan(&id)
	if err != nil {
		return errors.Wrap(err, "insert command")
	}
	for _, user := range rec.PermittedUsers {
		user = strings.ToLower(strings.TrimSpace(user))
		if user == "" {
			continue
		}
		if _, err := t.exec(ctx, `INSERT INTO command_permissions (command_id, user_entity) VALUES (?, ?) ON CONFLICT DO NOTHING;`, id, user); err != nil {
			return errors.Wrap(err, "insert permission")
		}
	}
	return nil
}

func (t *sqlTx) UpdateCommand(ctx context.Context, call, response string) (bool, error) {
	res, err := t.exec(ctx, `UPDATE commands SET response = ? WHERE call_name = ?;`, response, strings.ToLower(call))
	if err != nil {
		return false, errors.Wrap(err, "update command")
	}
	return affected(res)
}

func (t *sqlTx) DeleteCommand(ctx context.Context, call string) (bool, error) {
	rec, ok, err := t.FindCommand(ctx, call)
	if err != nil || !ok {
		return false, err
	}
	if _, err := t.exec(ctx, `DELETE FROM command_permissions WHERE command_id = ?;`, rec.ID); err != nil {
		return false, errors.Wrap(err, "delete permissions")
	}
	if _, err := t.exec(ctx, `DELETE FROM commands WHERE id = ?;`, rec.ID); err != nil {
		return false, errors.Wrap(err, "delete command")
	}
	return true, nil
}

/***************
 * Users
 ***************/

const userColumns = `id, name, times_played, current_guess, total_guess`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (UserRecord, error) {
	var (
		u            UserRecord
		current, tot sql.NullInt64
	)
	if err := r.Scan(&u.ID, &u.Name, &u.TimesPlayed, &current, &tot); err != nil {
		return UserRecord{}, err
	}
	u.CurrentGuess = intPtr(current)
	u.TotalGuess = intPtr(tot)
	return u, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func (t *sqlTx) FindUser(ctx context.Context, name string) (UserRecord, bool, error) {
	u, err := scanUser(t.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE name = ?;`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, errors.Wrap(err, "find user")
	}
	return u, true, nil
}

func (t *sqlTx) UpsertUser(ctx context.Context, rec UserRecord) error {
	_, err := t.exec(ctx, `INSERT INTO users (name, times_played, current_guess, total_guess)
VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
  times_played = excluded.times_played,
  current_guess = excluded.current_guess,
  total_guess = excluded.total_guess;`,
		rec.Name, rec.TimesPlayed, nullInt(rec.CurrentGuess), nullInt(rec.TotalGuess))
	return errors.Wrap(err, "upsert user")
}

func (t *sqlTx) ListUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := t.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id;`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "iterate users")
}

func (t *sqlTx) ResetTimesPlayed(ctx context.Context) error {
	_, err := t.exec(ctx, `UPDATE users SET times_played = 0;`)
	return errors.Wrap(err, "reset times played")
}

func (t *sqlTx) ClearGuesses(ctx context.Context, total bool) error {
	q := `UPDATE users SET current_guess = NULL;`
	if total {
		q = `UPDATE users SET total_guess = NULL;`
	}
	_, err := t.exec(ctx, q)
	return errors.Wrap(err, "clear guesses")
}

/***************
 * Quotes
 ***************/

func (t *sqlTx) ListQuotes(ctx context.Context) ([]Quote, error) {
	rows, err := t.query(ctx, `SELECT id, quote FROM quotes ORDER BY id;`)
	if err != nil {
		return nil, errors.Wrap(err, "list quotes")
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		var q Quote
		if err := rows.Scan(&q.ID, &q.Text); err != nil {
			return nil, errors.Wrap(err, "scan quote")
		}
		out = append(out, q)
	}
	return out, errors.Wrap(rows.Err(), "iterate quotes")
}

// AddQuote stores text and returns the new quote count, which is also the
// new quote's 1-based number.
func (t *sqlTx) AddQuote(ctx context.Context, text string) (int, error) {
	if _, err := t.exec(ctx, `INSERT INTO quotes (quote) VALUES (?);`, text); err != nil {
		return 0, errors.Wrap(err, "insert quote")
	}
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM quotes;`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count quotes")
	}
	return n, nil
}

func (t *sqlTx) UpdateQuote(ctx context.Context, id int64, text string) error {
	_, err := t.exec(ctx, `UPDATE quotes SET quote = ? WHERE id = ?;`, text, id)
	return errors.Wrap(err, "update quote")
}

func (t *sqlTx) DeleteQuote(ctx context.Context, id int64) error {
	_, err := t.exec(ctx, `DELETE FROM quotes WHERE id = ?;`, id)
	return errors.Wrap(err, "delete quote")
}

/***************
 * Auto quotes
 ***************/

func (t *sqlTx) ListAutoQuotes(ctx context.Context) ([]AutoQuote, error) {
	rows, err := t.query(ctx, `SELECT id, quote, period, active FROM auto_quotes ORDER BY id;`)
	if err != nil {
		return nil, errors.Wrap(err, "list auto quotes")
	}
	defer rows.Close()

	var out []AutoQuote
	for rows.Next() {
		var aq AutoQuote
		if err := rows.Scan(&aq.ID, &aq.Text, &aq.Period, &aq.Active); err != nil {
			return nil, errors.Wrap(err, "scan auto quote")
		}
		out = append(out, aq)
	}
	return out, errors.Wrap(rows.Err(), "iterate auto quotes")
}

func (t *sqlTx) AddAutoQuote(ctx context.Context, text string, periodSecs int) (AutoQuote, error) {
	aq := AutoQuote{Text: text, Period: periodSecs, Active: true}
	err := t.queryRow(ctx, `INSERT INTO auto_quotes (quote, period, active) VALUES (?, ?, ?) RETURNING id;`,
		text, periodSecs, true).Scan(&aq.ID)
	if err != nil {
		return AutoQuote{}, errors.Wrap(err, "insert auto quote")
	}
	return aq, nil
}

func (t *sqlTx) UpdateAutoQuote(ctx context.Context, aq AutoQuote) error {
	_, err := t.exec(ctx, `UPDATE auto_quotes SET quote = ?, period = ?, active = ? WHERE id = ?;`,
		aq.Text, aq.Period, aq.Active, aq.ID)
	return errors.Wrap(err, "update auto quote")
}

func (t *sqlTx) DeleteAutoQuote(ctx context.Context, id int64) error {
	_, err := t.exec(ctx, `DELETE FROM auto_quotes WHERE id = ?;`, id)
	return errors.Wrap(err, "delete auto quote")
}

/***************
 * Misc values
 ***************/

func (t *sqlTx) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := t.queryRow(ctx, `SELECT mv_value FROM misc_values WHERE mv_key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get %s", key)
	}
	return v, true, nil
}

func (t *sqlTx) SetValue(ctx context.Context, key, value string) error {
	_, err := t.exec(ctx, `INSERT INTO misc_values (mv_key, mv_value) VALUES (?, ?)
ON CONFLICT (mv_key) DO UPDATE SET mv_value = excluded.mv_value;`, key, value)
	return errors.Wrapf(err, "set %s", key)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}
