package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"biblio/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	sheetReservations = "Reservations"
	sheetSummary      = "Summary"
)

// Lister is the slice of the store a report needs.
type Lister interface {
	ListByDate(ctx context.Context, date string) ([]*models.Reservation, error)
}

var headers = []string{
	"ID", "Codice fiscale", "Name", "Start", "End", "Hours",
	"Status", "Retries", "Booking code", "Priority", "Updated (UTC)",
}

var statusOrder = []models.Status{
	models.StatusPending, models.StatusProcessing, models.StatusAwaiting, models.StatusFail,
	models.StatusSuccess, models.StatusExisting, models.StatusTerminated, models.StatusCanceled,
}

var statusColors = map[models.Status]string{
	models.StatusSuccess:    "#E2EFDA",
	models.StatusExisting:   "#DDEBF7",
	models.StatusTerminated: "#F8CBAD",
	models.StatusFail:       "#FFF2CC",
	models.StatusAwaiting:   "#FFF2CC",
}

// Build renders the audit workbook for one day. The caller closes the file.
func Build(ctx context.Context, lister Lister, date string) (*excelize.File, error) {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid report date %q: %w", date, err)
	}

	records, err := lister.ListByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("error getting reservations: %w", err)
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetReservations); err != nil {
		f.Close()
		return nil, fmt.Errorf("error renaming sheet: %w", err)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetReservations, cell, h)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetCellStyle(sheetReservations, "A1", lastCol+"1", headerStyle)

	styles := map[models.Status]int{}
	for status, color := range statusColors {
		id, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1}})
		if err == nil {
			styles[status] = id
		}
	}

	counts := map[models.Status]int{}
	for i, r := range records {
		row := i + 2
		values := []interface{}{
			r.ID, r.Owner.CodiceFiscale, r.Owner.Name, r.StartTime, r.EndTime, r.Duration,
			r.Status.String(), r.Retries, r.BookingCode, r.Priority, r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetReservations, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if id, ok := styles[r.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(7, row)
			_ = f.SetCellStyle(sheetReservations, statusCell, statusCell, id)
		}
		counts[r.Status]++
	}

	_ = f.SetColWidth(sheetReservations, "A", "A", 38)
	_ = f.SetColWidth(sheetReservations, "B", "C", 22)
	_ = f.SetColWidth(sheetReservations, "D", lastCol, 14)
	_ = f.SetPanes(sheetReservations, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.NewSheet(sheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.SetCellValue(sheetSummary, "A1", fmt.Sprintf("Date: %s", date))
	_ = f.SetCellValue(sheetSummary, "A2", "Status")
	_ = f.SetCellValue(sheetSummary, "B2", "Count")
	_ = f.SetCellStyle(sheetSummary, "A2", "B2", headerStyle)
	row := 3
	for _, s := range statusOrder {
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("A%d", row), s.String())
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("B%d", row), counts[s])
		row++
	}
	_ = f.SetCellValue(sheetSummary, fmt.Sprintf("A%d", row), "total")
	_ = f.SetCellValue(sheetSummary, fmt.Sprintf("B%d", row), len(records))

	return f, nil
}

// Write streams the workbook to w.
func Write(ctx context.Context, lister Lister, date string, w io.Writer) error {
	f, err := Build(ctx, lister, date)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}

// WriteFile saves the workbook as dir/reservations_<date>.xlsx and returns the path.
func WriteFile(ctx context.Context, lister Lister, date, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating report directory: %w", err)
	}

	f, err := Build(ctx, lister, date)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, fmt.Sprintf("reservations_%s.xlsx", date))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}
