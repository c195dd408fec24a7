package domain

import (
	"fmt"
	"time"
)

// Candle is one OHLCV bar. OpenTime identifies the bar; series are always
// ordered oldest first.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// ValidateSeries checks that the series is strictly ordered by OpenTime with
// no duplicates and that every bar has a sane price range.
func ValidateSeries(series []Candle) error {
	for i, c := range series {
		if c.High < c.Low {
			return fmt.Errorf("%w: bar %d high %.6f below low %.6f", ErrInvalidParameter, i, c.High, c.Low)
		}
		if i == 0 {
			continue
		}
		if !series[i-1].OpenTime.Before(c.OpenTime) {
			return fmt.Errorf("%w: bar %d open time %s not after %s",
				ErrInvalidParameter, i, c.OpenTime, series[i-1].OpenTime)
		}
	}
	return nil
}

// Closes extracts the close prices of a series.
func Closes(series []Candle) []float64 {
	out := make([]float64, len(series))
	for i, c := range series {
		out[i] = c.Close
	}
	return out
}
