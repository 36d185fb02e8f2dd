package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCell(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected Value
	}{
		{name: "empty", raw: "", expected: Missing()},
		{name: "whitespace", raw: "   ", expected: Missing()},
		{name: "integer", raw: "42", expected: Float(42)},
		{name: "decimal", raw: "47123.55", expected: Float(47123.55)},
		{name: "negative", raw: "-0.25", expected: Float(-0.25)},
		{name: "true upper", raw: "TRUE", expected: Bool(true)},
		{name: "false mixed case", raw: "False", expected: Bool(false)},
		{name: "date", raw: "2025-06-12", expected: String("2025-06-12")},
		{name: "sentinel", raw: "ERROR:#REF!", expected: String("ERROR:#REF!")},
		{name: "range descriptor", raw: "101200-103450", expected: String("101200-103450")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCell(tt.raw))
		})
	}
}

func TestValue_Truthy(t *testing.T) {
	assert.False(t, Missing().Truthy())
	assert.True(t, Bool(true).Truthy())
	assert.False(t, Bool(false).Truthy())
	assert.True(t, Float(1).Truthy())
	assert.False(t, Float(0).Truthy())
	assert.True(t, String("yes").Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, String("false").Truthy())
	assert.True(t, String("0").Truthy())
}

func TestValue_ToFloat(t *testing.T) {
	f, err := Float(1.5).ToFloat()
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	f, err = String(" 2.25 ").ToFloat()
	require.NoError(t, err)
	assert.Equal(t, 2.25, f)

	f, err = Bool(true).ToFloat()
	require.NoError(t, err)
	assert.Equal(t, 1.0, f)

	_, err = String("n/a").ToFloat()
	assert.Error(t, err)

	_, err = Missing().ToFloat()
	assert.Error(t, err)
}

func TestValue_Text(t *testing.T) {
	assert.Equal(t, "47000.5", Float(47000.5).Text())
	assert.Equal(t, "100", Float(100).Text())
	assert.Equal(t, "True", Bool(true).Text())
	assert.Equal(t, "2025-06-12", String("2025-06-12").Text())
	assert.Equal(t, "", Missing().Text())
}

func TestTable_AppendRowPadsAndTruncates(t *testing.T) {
	table := NewTable([]string{"A", "B", "C"})

	table.AppendRow(Row{Float(1)})
	table.AppendRow(Row{Float(1), Float(2), Float(3), Float(4)})

	require.Equal(t, 2, table.Len())
	assert.Len(t, table.Rows[0], 3)
	assert.True(t, table.Rows[0][2].IsMissing())
	assert.Len(t, table.Rows[1], 3)
}

func TestTable_EnsureColumn(t *testing.T) {
	table := NewTable([]string{"Close"})
	table.AppendRow(Row{Float(10)})

	idx := table.EnsureColumn(ColumnOBV)
	assert.Equal(t, 1, idx)
	assert.Equal(t, []string{"Close", ColumnOBV}, table.Columns)
	assert.True(t, table.Rows[0][1].IsMissing())

	// Existing column is not duplicated
	assert.Equal(t, 0, table.EnsureColumn("Close"))
	assert.Len(t, table.Columns, 2)
}

func TestTable_GetSet(t *testing.T) {
	table := NewTable([]string{"Close"})
	table.AppendRow(Row{Float(10)})

	v, ok := table.Get(0, "Close")
	assert.True(t, ok)
	assert.Equal(t, Float(10), v)

	_, ok = table.Get(0, "Open")
	assert.False(t, ok)

	require.NoError(t, table.Set(0, "Close", Float(11)))
	assert.Error(t, table.Set(0, "Open", Float(1)))

	v, _ = table.Get(0, "Close")
	assert.Equal(t, Float(11), v)
}

func TestFields_TranslationTable(t *testing.T) {
	assert.Len(t, Fields, 60)

	names := make(map[string]bool)
	columns := make(map[string]bool)
	for _, f := range Fields {
		assert.False(t, names[f.Name], "duplicate field name %s", f.Name)
		assert.False(t, columns[f.Column], "duplicate column %s", f.Column)
		names[f.Name] = true
		columns[f.Column] = true

		byName, ok := FieldByName(f.Name)
		require.True(t, ok)
		assert.Equal(t, f, byName)

		byColumn, ok := FieldByColumn(f.Column)
		require.True(t, ok)
		assert.Equal(t, f, byColumn)
	}
}

func TestFields_Rules(t *testing.T) {
	tests := []struct {
		name     string
		kind     FieldKind
		fallback DefaultPolicy
	}{
		{name: "date", kind: FieldString, fallback: DefaultNull},
		{name: "bullish_fvg_range", kind: FieldString, fallback: DefaultNull},
		{name: "bearish_fvg_range", kind: FieldString, fallback: DefaultNull},
		{name: "bullish_fvg_exists", kind: FieldBool, fallback: DefaultFalse},
		{name: "bearish_fvg_exists", kind: FieldBool, fallback: DefaultFalse},
		{name: "close", kind: FieldFloat, fallback: DefaultNull},
		{name: "persentage_change_1_day_from_now", kind: FieldFloat, fallback: DefaultNull},
		{name: "atr", kind: FieldFloat, fallback: DefaultNull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := FieldByName(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.kind, rule.Kind)
			assert.Equal(t, tt.fallback, rule.Default)
		})
	}

	for _, name := range ForwardLookingFields {
		rule, ok := FieldByName(name)
		require.True(t, ok, name)
		assert.Equal(t, DefaultNull, rule.Default)
	}
}
