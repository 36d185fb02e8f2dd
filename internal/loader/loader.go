// Package loader reads the input spreadsheet into a models.Table.
// Workbooks (.xlsx, .xlsm) are read with excelize; .csv files with the
// standard CSV reader. Column names and row order are preserved exactly.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-uploader/internal/models"
	"github.com/xuri/excelize/v2"
)

// timestampLayout renders workbook date cells
const timestampLayout = "2006-01-02 15:04:05"

// LoadError is returned for any failure to read or parse the input file.
// Callers treat it as fatal.
type LoadError struct {
	Path string
	Err  error
}

// Error implements the error interface
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the load failed because the file is absent
func IsNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// Config controls how the input file is read
type Config struct {
	// Sheet is the workbook sheet to read; empty means the first sheet
	Sheet string
	// Delimiter is the CSV field separator; zero means ','
	Delimiter rune
}

// Result is the loaded table plus metadata about the source file
type Result struct {
	Table    *models.Table
	Path     string
	Sheet    string
	Checksum string
}

// Loader reads tabular input files
type Loader struct {
	config Config
	logger *slog.Logger
}

// New creates a loader
func New(config Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{config: config, logger: logger}
}

// Load reads path into a table. Any error is a *LoadError.
func (l *Loader) Load(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	sum, err := FileChecksum(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	result := &Result{Path: path, Checksum: sum}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		result.Table, result.Sheet, err = l.loadWorkbook(path)
	case ".csv", ".txt":
		result.Table, err = l.loadCSV(path)
	default:
		err = fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	l.logger.Info(fmt.Sprintf("Loaded %d records", result.Table.Len()),
		"path", path,
		"sheet", result.Sheet,
		"columns", len(result.Table.Columns),
		"checksum", sum)

	return result, nil
}

func (l *Loader) loadWorkbook(path string) (*models.Table, string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheet := l.config.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, "", fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	formatted, err := f.GetRows(sheet)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}

	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, "", fmt.Errorf("failed to read raw values of sheet %q: %w", sheet, err)
	}

	if len(formatted) == 0 {
		return nil, "", fmt.Errorf("sheet %q is empty", sheet)
	}

	props, err := f.GetWorkbookProps()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read workbook properties: %w", err)
	}
	date1904 := props.Date1904 != nil && *props.Date1904

	table := models.NewTable(trimHeader(formatted[0]))
	dateCol, hasDate := table.ColumnIndex(models.ColumnDate)

	for r := 1; r < len(formatted); r++ {
		row := make(models.Row, len(formatted[r]))
		for c, text := range formatted[r] {
			rawText, _ := cellAt(raw, r, c)
			v, err := workbookCell(f, sheet, c, r, text, rawText, hasDate && c == dateCol, date1904)
			if err != nil {
				return nil, "", err
			}
			row[c] = v
		}
		table.AppendRow(row)
	}

	return table, sheet, nil
}

// workbookCell converts one cell using its stored value rather than the
// text produced by its number format. Booleans, strings and error cells
// keep the formatted text. Numeric cells in the Date column are Excel
// serial dates and are rendered as "2006-01-02 15:04:05".
func workbookCell(f *excelize.File, sheet string, c, r int, text, rawText string, isDate, date1904 bool) (models.Value, error) {
	name, err := excelize.CoordinatesToCellName(c+1, r+1)
	if err != nil {
		return models.Missing(), err
	}

	typ, err := f.GetCellType(sheet, name)
	if err != nil {
		return models.Missing(), fmt.Errorf("failed to read type of cell %s: %w", name, err)
	}

	switch typ {
	case excelize.CellTypeBool, excelize.CellTypeError,
		excelize.CellTypeSharedString, excelize.CellTypeInlineString:
		return models.ParseCell(text), nil
	case excelize.CellTypeDate:
		if isDate {
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rawText)); err == nil {
				return models.String(ts.Format(timestampLayout)), nil
			}
		}
		return models.ParseCell(text), nil
	}

	num, err := strconv.ParseFloat(strings.TrimSpace(rawText), 64)
	if err != nil {
		return models.ParseCell(text), nil
	}

	if isDate {
		ts, err := excelize.ExcelDateToTime(num, date1904)
		if err != nil {
			return models.ParseCell(text), nil
		}
		return models.String(ts.Format(timestampLayout)), nil
	}

	return models.Float(num), nil
}

func (l *Loader) loadCSV(path string) (*models.Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	if l.config.Delimiter != 0 {
		reader.Comma = l.config.Delimiter
	}

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("file %s is empty", path)
		}
		return nil, fmt.Errorf("failed to read header from %s: %w", path, err)
	}

	table := models.NewTable(trimHeader(header))

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read line %d of %s: %w", line, path, err)
		}

		row := make(models.Row, len(record))
		for c, text := range record {
			row[c] = models.ParseCell(text)
		}
		table.AppendRow(row)
	}

	return table, nil
}

func cellAt(rows [][]string, r, c int) (string, bool) {
	if r >= len(rows) || c >= len(rows[r]) {
		return "", false
	}
	return rows[r][c], true
}

func trimHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimPrefix(h, "\ufeff")
	}
	return out
}
