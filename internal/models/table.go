package models

import "fmt"

// Row is one table record, positionally aligned with Table.Columns
type Row []Value

// Table is the ordered sequence of rows loaded from the input file.
// Columns are fixed at load time; indicator columns may be appended with
// EnsureColumn.
type Table struct {
	Columns []string
	Rows    []Row

	index map[string]int
}

// NewTable creates an empty table with the given header
func NewTable(columns []string) *Table {
	t := &Table{
		Columns: append([]string(nil), columns...),
		Rows:    make([]Row, 0),
	}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, name := range t.Columns {
		// First occurrence wins for duplicated headers
		if _, exists := t.index[name]; !exists {
			t.index[name] = i
		}
	}
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.Rows) }

// AppendRow adds a row, padding it with missing values to the column count.
// Cells beyond the header are dropped.
func (t *Table) AppendRow(row Row) {
	r := make(Row, len(t.Columns))
	copy(r, row)
	t.Rows = append(t.Rows, r)
}

// ColumnIndex returns the position of a column and whether it exists
func (t *Table) ColumnIndex(name string) (int, bool) {
	if t.index == nil {
		t.reindex()
	}
	i, ok := t.index[name]
	return i, ok
}

// HasColumn reports whether the column exists
func (t *Table) HasColumn(name string) bool {
	_, ok := t.ColumnIndex(name)
	return ok
}

// EnsureColumn returns the index of the named column, appending it (filled
// with missing values) when absent.
func (t *Table) EnsureColumn(name string) int {
	if i, ok := t.ColumnIndex(name); ok {
		return i
	}

	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], Missing())
	}
	t.reindex()
	return len(t.Columns) - 1
}

// Get returns the cell at row i of the named column. Absent columns yield
// the missing value with ok=false.
func (t *Table) Get(i int, column string) (Value, bool) {
	c, ok := t.ColumnIndex(column)
	if !ok {
		return Missing(), false
	}
	return t.Rows[i][c], true
}

// Set stores a value at row i of the named column
func (t *Table) Set(i int, column string, v Value) error {
	c, ok := t.ColumnIndex(column)
	if !ok {
		return fmt.Errorf("column %q not found", column)
	}
	t.Rows[i][c] = v
	return nil
}
