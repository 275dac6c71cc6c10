package airquality

import (
	"math"
)

// requiredColumns must be present in a cleaned batch for it to be transformed.
var requiredColumns = []string{
	IndexColumn, UTCColumn,
	"aqi", "co", "no2", "o3", "pm10", "pm25", "so2", "ts",
}

// Transformer derives calendar fields and ratio features and fixes the schema.
type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform maps a cleaned batch onto the derived record schema. Columns not
// in the schema are ignored; a missing required column is a SchemaViolation.
// Row order is preserved.
func (t *Transformer) Transform(f *Frame) ([]Reading, error) {
	idx := make(map[string]int, len(requiredColumns))
	for _, col := range requiredColumns {
		i := f.ColumnIndex(col)
		if i < 0 {
			return nil, &SchemaViolation{Column: col}
		}
		idx[col] = i
	}

	out := make([]Reading, 0, len(f.Rows))
	for _, row := range f.Rows {
		local := row[idx[IndexColumn]]
		if local.Kind != KindTime {
			return nil, &SchemaViolation{Column: IndexColumn, Reason: "is not a date-time"}
		}
		utc := row[idx[UTCColumn]]
		if utc.Kind != KindTime {
			return nil, &SchemaViolation{Column: UTCColumn, Reason: "is not a date-time"}
		}

		r := Reading{
			TimestampLocal: local.Time,
			AQI:            row[idx["aqi"]].Float(),
			CO:             row[idx["co"]].Float(),
			NO2:            row[idx["no2"]].Float(),
			O3:             row[idx["o3"]].Float(),
			PM10:           row[idx["pm10"]].Float(),
			PM25:           row[idx["pm25"]].Float(),
			SO2:            row[idx["so2"]].Float(),
			TimestampUTC:   utc.Time,
			TS:             row[idx["ts"]].Float(),
			Year:           local.Time.Year(),
			Month:          int(local.Time.Month()),
			Day:            local.Time.Day(),
			Hour:           local.Time.Hour(),
		}
		r.PM10PM25Ratio = Ratio(r.PM10, r.PM25)
		r.NO2O3Ratio = Ratio(r.NO2, r.O3)
		r.COSO2Ratio = Ratio(r.CO, r.SO2)

		out = append(out, r)
	}
	return out, nil
}

// Ratio divides num by den rounded to two decimals. A missing operand or a
// zero denominator yields NaN.
func Ratio(num, den float64) float64 {
	if math.IsNaN(num) || math.IsNaN(den) || den == 0 {
		return math.NaN()
	}
	return Round2(num / den)
}

// Round2 rounds to two decimal places, halves to even.
func Round2(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.RoundToEven(x*100) / 100
}
