package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"biblio/internal/priority"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// PrioritySheet reads the priority table from a two-column range: codice fiscale, priority.
type PrioritySheet struct {
	service       *sheets.Service
	spreadsheetID string
	readRange     string
	logger        zerolog.Logger
}

// NewPrioritySheet authenticates with a service account key file.
func NewPrioritySheet(ctx context.Context, credentialsFile, spreadsheetID, readRange string, logger *zerolog.Logger) (*PrioritySheet, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	return NewPrioritySheetWithService(srv, spreadsheetID, readRange, logger), nil
}

func NewPrioritySheetWithService(srv *sheets.Service, spreadsheetID, readRange string, logger *zerolog.Logger) *PrioritySheet {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "sheets").Logger()
	}
	if readRange == "" {
		readRange = "Priorities!A2:B"
	}
	return &PrioritySheet{service: srv, spreadsheetID: spreadsheetID, readRange: readRange, logger: l}
}

// TestConnection проверяет доступ к таблице
func (s *PrioritySheet) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Get(s.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// Fetch reads the range. Blank rows and rows with an unparsable priority are skipped and logged.
func (s *PrioritySheet) Fetch(ctx context.Context) (priority.Table, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read priorities range %s: %w", s.readRange, err)
	}

	table := priority.Table{}
	for i, row := range resp.Values {
		if len(row) < 2 {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(fmt.Sprint(row[0])))
		if code == "" {
			continue
		}
		p, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(row[1])))
		if err != nil || p < 0 {
			s.logger.Warn().Int("row", i).Str("codice_fiscale", code).Msg("skipping row with invalid priority")
			continue
		}
		table[code] = p
	}
	return table, nil
}

// ServiceAccountEmail returns the address the sheet has to be shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}
