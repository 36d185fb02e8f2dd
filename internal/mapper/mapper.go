// Package mapper converts table rows into upload records using the static
// field translation table in models.Fields.
package mapper

import (
	"log/slog"
	"math"

	"github.com/johnayoung/go-ohlcv-uploader/internal/models"
)

// Stats counts what happened during mapping
type Stats struct {
	Records  int
	Warnings int
	// MissingColumns lists translation-table columns absent from the input
	MissingColumns []string
	// UnmappedColumns lists input columns no rule reads; they are not uploaded
	UnmappedColumns []string
}

// Mapper builds records from rows. It is not safe for concurrent use
// because it accumulates Stats.
type Mapper struct {
	fields []models.FieldRule
	lookup func(column string) (models.FieldRule, bool)
	logger *slog.Logger
	stats  Stats
}

// New creates a mapper over the full translation table
func New(logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{fields: models.Fields, lookup: models.FieldByColumn, logger: logger}
}

// NewWithFields creates a mapper over a custom set of field rules
func NewWithFields(fields []models.FieldRule, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}

	byColumn := make(map[string]models.FieldRule, len(fields))
	for _, f := range fields {
		byColumn[f.Column] = f
	}
	lookup := func(column string) (models.FieldRule, bool) {
		f, ok := byColumn[column]
		return f, ok
	}

	return &Mapper{fields: fields, lookup: lookup, logger: logger}
}

// Stats returns the counters accumulated so far
func (m *Mapper) Stats() Stats {
	s := m.stats
	s.MissingColumns = append([]string(nil), m.stats.MissingColumns...)
	s.UnmappedColumns = append([]string(nil), m.stats.UnmappedColumns...)
	return s
}

// MapTable maps every row of t, in table order.
func (m *Mapper) MapTable(t *models.Table) []models.Record {
	m.stats.MissingColumns = m.stats.MissingColumns[:0]
	for _, f := range m.fields {
		if !t.HasColumn(f.Column) {
			m.stats.MissingColumns = append(m.stats.MissingColumns, f.Column)
		}
	}
	if len(m.stats.MissingColumns) > 0 {
		m.logger.Warn("input is missing mapped columns, fields will use defaults",
			"columns", m.stats.MissingColumns)
	}

	m.stats.UnmappedColumns = m.stats.UnmappedColumns[:0]
	for _, column := range t.Columns {
		if _, ok := m.lookup(column); !ok {
			m.stats.UnmappedColumns = append(m.stats.UnmappedColumns, column)
		}
	}
	if len(m.stats.UnmappedColumns) > 0 {
		m.logger.Info("input columns without a field are not uploaded",
			"columns", m.stats.UnmappedColumns)
	}

	records := make([]models.Record, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		records = append(records, m.MapRow(t, i))
	}
	return records
}

// MapRow maps row i of t into a record holding exactly one entry per rule.
func (m *Mapper) MapRow(t *models.Table, i int) models.Record {
	record := make(models.Record, len(m.fields))

	for _, f := range m.fields {
		v, ok := t.Get(i, f.Column)
		if !ok || v.IsMissing() {
			record[f.Name] = defaultFor(f)
			continue
		}
		record[f.Name] = m.coerce(f, v, i)
	}

	m.stats.Records++
	return record
}

func (m *Mapper) coerce(f models.FieldRule, v models.Value, row int) any {
	switch f.Kind {
	case models.FieldBool:
		return v.Truthy()
	case models.FieldString:
		return v.Text()
	default:
		n, err := v.ToFloat()
		if err == nil && (math.IsNaN(n) || math.IsInf(n, 0)) {
			// JSON has no encoding for these
			return nil
		}
		if err != nil {
			m.stats.Warnings++
			m.logger.Warn("could not convert cell to float",
				"column", f.Column,
				"field", f.Name,
				"row", row,
				"value", v.Text(),
				"error", err)
			return nil
		}
		return n
	}
}

func defaultFor(f models.FieldRule) any {
	if f.Default == models.DefaultFalse {
		return false
	}
	return nil
}
