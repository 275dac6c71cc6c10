package airquality

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// IndexColumn is the local timestamp column. It orders the dataset and is
// written as the first CSV column.
const IndexColumn = "timestamp_local"

// UTCColumn holds the UTC timestamp of an observation.
const UTCColumn = "timestamp_utc"

// LegacyColumn is an unused upstream column that cleaning always removes.
const LegacyColumn = "datetime"

// TimestampLayout is how date-time cells are rendered on disk.
const TimestampLayout = "2006-01-02 15:04:05"

// Schema is the fixed, ordered column set of a derived record.
var Schema = []string{
	"aqi", "co", "no2", "o3", "pm10", "pm25", "so2",
	"pm10_pm25_ratio", "no2_o3_ratio", "co_so2_ratio",
	"timestamp_utc", "ts",
	"year", "month", "day", "hour",
}

// Header returns the persisted dataset header: the index column followed by Schema.
func Header() []string {
	h := make([]string, 0, len(Schema)+1)
	h = append(h, IndexColumn)
	return append(h, Schema...)
}

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindTime
)

// Value is a single table cell.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Time time.Time
}

func NullValue() Value { return Value{Kind: KindNull} }

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func NumberValue(f float64) Value {
	if math.IsNaN(f) {
		return NullValue()
	}
	return Value{Kind: KindNumber, Num: f}
}

func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// IsNull reports whether the cell is missing.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders the cell the way it is written to CSV. Missing cells are empty.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return FormatFloat(v.Num)
	case KindTime:
		return v.Time.Format(TimestampLayout)
	default:
		return ""
	}
}

// Float returns the numeric content of the cell, or NaN when there is none.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// key identifies the cell for equality checks. Cells of different kinds never match.
func (v Value) key() string {
	return strconv.Itoa(int(v.Kind)) + ":" + v.String()
}

// Frame is a column-ordered table of cells. Each row has one cell per column.
type Frame struct {
	Columns []string
	Rows    [][]Value
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the cells of the named column.
func (f *Frame) Column(name string) ([]Value, bool) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]Value, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row[idx]
	}
	return out, true
}

// Clone returns a deep copy of the frame's structure. Cells are values and are copied.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Columns: append([]string(nil), f.Columns...),
		Rows:    make([][]Value, len(f.Rows)),
	}
	for i, row := range f.Rows {
		out.Rows[i] = append([]Value(nil), row...)
	}
	return out
}

// DropColumns returns a copy of the frame without the named columns.
func (f *Frame) DropColumns(names ...string) *Frame {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}

	keep := make([]int, 0, len(f.Columns))
	out := &Frame{}
	for i, c := range f.Columns {
		if drop[c] {
			continue
		}
		keep = append(keep, i)
		out.Columns = append(out.Columns, c)
	}

	out.Rows = make([][]Value, len(f.Rows))
	for r, row := range f.Rows {
		nr := make([]Value, len(keep))
		for j, idx := range keep {
			nr[j] = row[idx]
		}
		out.Rows[r] = nr
	}
	return out
}

// Records renders the frame as CSV records, header first.
func (f *Frame) Records() [][]string {
	records := make([][]string, 0, len(f.Rows)+1)
	records = append(records, append([]string(nil), f.Columns...))
	for _, row := range f.Rows {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = v.String()
		}
		records = append(records, rec)
	}
	return records
}

func rowKey(row []Value) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(v.key())
	}
	return b.String()
}

// Reading is one derived record of the persisted dataset, indexed by TimestampLocal.
// Missing measurements and undefined ratios are NaN.
type Reading struct {
	TimestampLocal time.Time
	AQI            float64
	CO             float64
	NO2            float64
	O3             float64
	PM10           float64
	PM25           float64
	SO2            float64
	PM10PM25Ratio  float64
	NO2O3Ratio     float64
	COSO2Ratio     float64
	TimestampUTC   time.Time
	TS             float64
	Year           int
	Month          int
	Day            int
	Hour           int
}

// Record renders the reading in Header order.
func (r Reading) Record() []string {
	return []string{
		r.TimestampLocal.Format(TimestampLayout),
		FormatFloat(r.AQI),
		FormatFloat(r.CO),
		FormatFloat(r.NO2),
		FormatFloat(r.O3),
		FormatFloat(r.PM10),
		FormatFloat(r.PM25),
		FormatFloat(r.SO2),
		FormatFloat(r.PM10PM25Ratio),
		FormatFloat(r.NO2O3Ratio),
		FormatFloat(r.COSO2Ratio),
		r.TimestampUTC.Format(TimestampLayout),
		FormatFloat(r.TS),
		strconv.Itoa(r.Year),
		strconv.Itoa(r.Month),
		strconv.Itoa(r.Day),
		strconv.Itoa(r.Hour),
	}
}

// ParseRecord decodes a CSV record laid out in Header order.
func ParseRecord(rec []string) (Reading, error) {
	if len(rec) != len(Schema)+1 {
		return Reading{}, fmt.Errorf("record has %d fields, want %d", len(rec), len(Schema)+1)
	}

	var (
		r   Reading
		err error
	)
	if r.TimestampLocal, err = ParseTimestamp(rec[0]); err != nil {
		return Reading{}, fmt.Errorf("%s: %w", IndexColumn, err)
	}
	if r.TimestampUTC, err = ParseTimestamp(rec[11]); err != nil {
		return Reading{}, fmt.Errorf("%s: %w", UTCColumn, err)
	}

	floats := []*float64{
		&r.AQI, &r.CO, &r.NO2, &r.O3, &r.PM10, &r.PM25, &r.SO2,
		&r.PM10PM25Ratio, &r.NO2O3Ratio, &r.COSO2Ratio,
	}
	for i, dst := range floats {
		if *dst, err = parseFloatCell(rec[i+1]); err != nil {
			return Reading{}, fmt.Errorf("%s: %w", Schema[i], err)
		}
	}
	if r.TS, err = parseFloatCell(rec[12]); err != nil {
		return Reading{}, fmt.Errorf("ts: %w", err)
	}

	ints := []*int{&r.Year, &r.Month, &r.Day, &r.Hour}
	for i, dst := range ints {
		if *dst, err = strconv.Atoi(strings.TrimSpace(rec[13+i])); err != nil {
			return Reading{}, fmt.Errorf("%s: %w", Schema[12+i], err)
		}
	}
	return r, nil
}

// Feature returns the value of a numeric schema column by name.
func (r Reading) Feature(name string) (float64, bool) {
	switch name {
	case "aqi":
		return r.AQI, true
	case "co":
		return r.CO, true
	case "no2":
		return r.NO2, true
	case "o3":
		return r.O3, true
	case "pm10":
		return r.PM10, true
	case "pm25":
		return r.PM25, true
	case "so2":
		return r.SO2, true
	case "pm10_pm25_ratio":
		return r.PM10PM25Ratio, true
	case "no2_o3_ratio":
		return r.NO2O3Ratio, true
	case "co_so2_ratio":
		return r.COSO2Ratio, true
	case "ts":
		return r.TS, true
	}
	return math.NaN(), false
}

// MarshalJSON writes NaN measurements as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TimestampLocal string   `json:"timestampLocal"`
		AQI            *float64 `json:"aqi"`
		CO             *float64 `json:"co"`
		NO2            *float64 `json:"no2"`
		O3             *float64 `json:"o3"`
		PM10           *float64 `json:"pm10"`
		PM25           *float64 `json:"pm25"`
		SO2            *float64 `json:"so2"`
		PM10PM25Ratio  *float64 `json:"pm10Pm25Ratio"`
		NO2O3Ratio     *float64 `json:"no2O3Ratio"`
		COSO2Ratio     *float64 `json:"coSo2Ratio"`
		TimestampUTC   string   `json:"timestampUtc"`
		TS             *float64 `json:"ts"`
		Year           int      `json:"year"`
		Month          int      `json:"month"`
		Day            int      `json:"day"`
		Hour           int      `json:"hour"`
	}{
		TimestampLocal: r.TimestampLocal.Format(TimestampLayout),
		AQI:            Finite(r.AQI),
		CO:             Finite(r.CO),
		NO2:            Finite(r.NO2),
		O3:             Finite(r.O3),
		PM10:           Finite(r.PM10),
		PM25:           Finite(r.PM25),
		SO2:            Finite(r.SO2),
		PM10PM25Ratio:  Finite(r.PM10PM25Ratio),
		NO2O3Ratio:     Finite(r.NO2O3Ratio),
		COSO2Ratio:     Finite(r.COSO2Ratio),
		TimestampUTC:   r.TimestampUTC.Format(TimestampLayout),
		TS:             Finite(r.TS),
		Year:           r.Year,
		Month:          r.Month,
		Day:            r.Day,
		Hour:           r.Hour,
	})
}

// Finite returns nil for NaN and infinities, otherwise a pointer to f.
func Finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// FormatFloat renders a number without exponent; NaN becomes an empty cell.
func FormatFloat(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloatCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses an upstream or persisted date-time. Any zone offset is
// dropped; the wall clock is kept and the result is expressed in time.UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
