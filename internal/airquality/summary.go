package airquality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Pollutants are the measured columns included in the correlation matrix.
var Pollutants = []string{"aqi", "co", "no2", "o3", "pm10", "pm25", "so2"}

// FeatureSummary holds descriptive statistics of one column. NaN cells are skipped.
type FeatureSummary struct {
	Feature string   `json:"feature"`
	Count   int      `json:"count"`
	Mean    *float64 `json:"mean"`
	StdDev  *float64 `json:"stdDev"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
}

// Summary is a read-only statistical view over the dataset.
type Summary struct {
	Rows        int                            `json:"rows"`
	From        string                         `json:"from,omitempty"`
	To          string                         `json:"to,omitempty"`
	Feature     FeatureSummary                 `json:"feature"`
	Correlation map[string]map[string]*float64 `json:"correlation"`
}

// Summarize computes statistics of feature plus the pairwise Pearson
// correlation of the pollutant columns.
func Summarize(readings []Reading, feature string) (Summary, error) {
	if _, ok := (Reading{}).Feature(feature); !ok {
		return Summary{}, fmt.Errorf("unknown feature %q", feature)
	}

	s := Summary{Rows: len(readings)}
	if len(readings) > 0 {
		first, last := readings[0].TimestampLocal, readings[0].TimestampLocal
		for _, r := range readings[1:] {
			if r.TimestampLocal.Before(first) {
				first = r.TimestampLocal
			}
			if r.TimestampLocal.After(last) {
				last = r.TimestampLocal
			}
		}
		s.From = first.Format(TimestampLayout)
		s.To = last.Format(TimestampLayout)
	}

	s.Feature = describe(feature, column(readings, feature))

	s.Correlation = make(map[string]map[string]*float64, len(Pollutants))
	for _, a := range Pollutants {
		s.Correlation[a] = make(map[string]*float64, len(Pollutants))
		for _, b := range Pollutants {
			s.Correlation[a][b] = Finite(correlation(readings, a, b))
		}
	}
	return s, nil
}

func column(readings []Reading, feature string) []float64 {
	out := make([]float64, 0, len(readings))
	for _, r := range readings {
		v, _ := r.Feature(feature)
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func describe(feature string, xs []float64) FeatureSummary {
	fs := FeatureSummary{Feature: feature, Count: len(xs)}
	if len(xs) == 0 {
		return fs
	}
	mean, std := stat.MeanStdDev(xs, nil)
	fs.Mean = Finite(mean)
	fs.StdDev = Finite(std)
	fs.Min = Finite(floats.Min(xs))
	fs.Max = Finite(floats.Max(xs))
	return fs
}

// correlation uses only rows where both columns are present.
func correlation(readings []Reading, a, b string) float64 {
	var xs, ys []float64
	for _, r := range readings {
		x, _ := r.Feature(a)
		y, _ := r.Feature(b)
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) < 2 {
		return math.NaN()
	}
	return stat.Correlation(xs, ys, nil)
}
