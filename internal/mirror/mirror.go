// Package mirror publishes bot data sets to an external spreadsheet. Each
// data set is one named view; a publish replaces the whole view.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// View names, one sheet tab each.
const (
	ViewQuotes      = "Quotes"
	ViewAutoQuotes  = "Auto Quotes"
	ViewCommands    = "Commands"
	ViewPlayerQueue = "Player Queue"
	ViewGuesses     = "Guesses"
)

type Mirror interface {
	Publish(ctx context.Context, view string, rows [][]any) error
	// Link is where people can read view, or "" when there is nowhere.
	Link(view string) string
}

// Noop logs publishes and links nowhere.
type Noop struct{}

func (Noop) Publish(_ context.Context, view string, rows [][]any) error {
	slog.Debug("mirror: publish skipped", "view", view, "rows", len(rows))
	return nil
}

func (Noop) Link(string) string { return "" }

// Sheets mirrors into one Google spreadsheet.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
}

// NewSheets builds the Sheets client. Pass option.WithCredentialsFile for a
// service account; tests pass an endpoint and HTTP client instead.
func NewSheets(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*Sheets, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, fmt.Errorf("mirror: spreadsheet id is required")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("mirror: sheets client: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: spreadsheetID}, nil
}

func (s *Sheets) Publish(ctx context.Context, view string, rows [][]any) error {
	rng := quoteSheet(view)
	if _, err := s.svc.Spreadsheets.Values.Clear(s.spreadsheetID, rng, &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("mirror: clear %s: %w", view, err)
	}
	if len(rows) == 0 {
		return nil
	}
	vr := &sheets.ValueRange{MajorDimension: "ROWS", Values: rows}
	if _, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, rng+"!A1", vr).ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("mirror: update %s: %w", view, err)
	}
	slog.Info("mirror: published", "view", view, "rows", len(rows))
	return nil
}

func (s *Sheets) Link(string) string {
	return "https://docs.google.com/spreadsheets/d/" + s.spreadsheetID
}

// quoteSheet wraps a tab name in A1-notation quotes.
func quoteSheet(view string) string {
	return "'" + strings.ReplaceAll(view, "'", "''") + "'"
}
