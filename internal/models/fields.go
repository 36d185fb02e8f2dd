package models

// FieldKind is the coercion applied to a present cell
type FieldKind int

const (
	FieldFloat FieldKind = iota
	FieldString
	FieldBool
)

// String returns the string representation of the field kind
func (k FieldKind) String() string {
	switch k {
	case FieldFloat:
		return "float"
	case FieldString:
		return "string"
	case FieldBool:
		return "bool"
	default:
		return "unknown"
	}
}

// DefaultPolicy decides the record value when the source cell is missing
type DefaultPolicy int

const (
	// DefaultNull stores null
	DefaultNull DefaultPolicy = iota
	// DefaultFalse stores false
	DefaultFalse
)

// FieldRule describes one record field: its name, source column, coercion
// and default when the cell is missing.
type FieldRule struct {
	Name    string
	Column  string
	Kind    FieldKind
	Default DefaultPolicy
}

// Source column names used by the indicator recalculation
const (
	ColumnDate      = "Date"
	ColumnOpen      = "Open"
	ColumnHigh      = "High"
	ColumnLow       = "Low"
	ColumnClose     = "Close"
	ColumnVolume    = "Volume BTC"
	ColumnOBV       = "OBV"
	ColumnTrueRange = "True Range"
	ColumnATR       = "ATR"
)

func float(name, column string) FieldRule {
	return FieldRule{Name: name, Column: column, Kind: FieldFloat, Default: DefaultNull}
}

// Fields is the field translation table, in upload order.
var Fields = []FieldRule{
	{Name: "date", Column: ColumnDate, Kind: FieldString, Default: DefaultNull},
	float("open", ColumnOpen),
	float("high", ColumnHigh),
	float("low", ColumnLow),
	float("close", ColumnClose),
	float("volume", ColumnVolume),
	float("persentage_change_from_1_day_ago", "Percentage Change from 1 Day Ago"),
	float("persentage_change_from_7_days_ago", "Percentage Change from 7 Days Ago"),
	float("persentage_change_from_30_days_ago", "Percentage Change from 30 Days Ago"),
	float("persentage_change_1_day_from_now", "Percentage Change from 1 Day from now"),
	float("persentage_change_7_days_from_now", "Percentage Change from 7 Days from now"),
	float("persentage_change_30_days_from_now", "Percentage Change from 30 Days from now"),
	float("gains", "Gains"),
	float("losses", "Losses"),
	float("average_gains", "Average Gains"),
	float("average_losses", "Average Losses"),
	float("rsi", "RSI"),
	float("50_ema", "50EMA"),
	float("20_sma_middle_band", "20SMA(Middle Band)"),
	float("20_period_sd", "20-Period SD"),
	float("upper_band", "Upper Band"),
	float("lower_band", "Lower Band"),
	float("26_ema", "26EMA"),
	float("12_ema", "12EMA"),
	float("macd_line", "MACD line"),
	float("macd_signal_line", "MACD Signal Line"),
	float("macd_histogram", "MACD histogram"),
	float("last_20_day_high", "last 20 day high"),
	float("last_20_day_low", "last 20 day low"),
	float("20_day_fib_23", "20 DAY 0.23 FIB"),
	float("20_day_fib_38", "20 DAY 0.38 FIB"),
	float("20_day_fib_50", "20 DAY 0.5 FIB"),
	float("20_day_fib_61", "20 DAY 0.61 FIB"),
	float("20_day_fib_78", "20 DAY 0.78 FIB"),
	float("last_40_day_high", "Last 40 day high"),
	float("last_40_day_low", "Last 40 day low"),
	float("40_day_fib_23", "40 DAY 0.23 FIB"),
	float("40_day_fib_38", "40 DAY 0.38 FIB"),
	float("40_day_fib_50", "40 DAY 0.5 FIB"),
	float("40_day_fib_61", "40 DAY 0.61 FIB"),
	float("40_day_fib_78", "40 DAY 0.78 FIB"),
	float("last_60_day_high", "last 60 day high"),
	float("last_60_day_low", "last 60 day low"),
	float("60_day_fib_23", "60 DAY 0.23 FIB"),
	float("60_day_fib_38", "60 DAY 0.38 FIB"),
	float("60_day_fib_50", "60 DAY 0.5 FIB"),
	float("60_day_fib_61", "60 DAY 0.61 FIB"),
	float("60_day_fib_78", "60 DAY 0.78 FIB"),
	float("20_week_sma_bullmarketsupportband", "20-Week SMA (bullmarket supportband)"),
	float("21_week_ema_bullmarketsupportband", "21-Week EMA (bullmarket supportband)"),
	{Name: "bullish_fvg_exists", Column: "Bullish FVG Exists", Kind: FieldBool, Default: DefaultFalse},
	{Name: "bullish_fvg_range", Column: "Bullish FVG Range", Kind: FieldString, Default: DefaultNull},
	{Name: "bearish_fvg_exists", Column: "Bearish FVG Exists", Kind: FieldBool, Default: DefaultFalse},
	{Name: "bearish_fvg_range", Column: "Bearish FVG Range", Kind: FieldString, Default: DefaultNull},
	float("obv", ColumnOBV),
	float("vwap", "VWAP"),
	float("true_range", ColumnTrueRange),
	float("atr", ColumnATR),
	float("k_persent", "%K"),
	float("d_persent", "%D"),
}

// ForwardLookingFields are the fields that are expected to be empty on the
// newest rows: future percentage changes and the FVG range descriptors.
var ForwardLookingFields = []string{
	"persentage_change_1_day_from_now",
	"persentage_change_7_days_from_now",
	"persentage_change_30_days_from_now",
	"bullish_fvg_range",
	"bearish_fvg_range",
}

var (
	fieldsByName   = make(map[string]FieldRule, len(Fields))
	fieldsByColumn = make(map[string]FieldRule, len(Fields))
)

func init() {
	for _, f := range Fields {
		fieldsByName[f.Name] = f
		fieldsByColumn[f.Column] = f
	}
}

// FieldByName looks up a rule by record field name
func FieldByName(name string) (FieldRule, bool) {
	f, ok := fieldsByName[name]
	return f, ok
}

// FieldByColumn looks up a rule by source column name
func FieldByColumn(column string) (FieldRule, bool) {
	f, ok := fieldsByColumn[column]
	return f, ok
}

// Record is the upload-ready document for one row
type Record map[string]any
