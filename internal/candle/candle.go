// Package candle aggregates price history rows into OHLC candles for chart
// consumers. Aggregation is pure: callers fetch the window from the store
// and pass the points in.
package candle

import (
	"sort"
	"time"

	"github.com/arcadex/market-engine/internal/model"
)

// DefaultBucket is the candle resolution used by the securities hub.
const DefaultBucket = time.Minute

// MaxCandles caps the number of candles returned to chart consumers.
const MaxCandles = 180

// Build buckets price points into OHLC candles of the given width.
// Points need not be sorted; buckets are emitted in chronological order.
// At most max candles are returned (the most recent ones); max <= 0 means
// no cap.
func Build(points []model.PricePoint, bucket time.Duration, max int) []model.Candle {
	if len(points) == 0 {
		return nil
	}
	if bucket <= 0 {
		bucket = DefaultBucket
	}

	sorted := make([]model.PricePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var candles []model.Candle
	for _, p := range sorted {
		start := p.Timestamp.Truncate(bucket)
		if len(candles) > 0 && candles[len(candles)-1].Timestamp.Equal(start) {
			c := &candles[len(candles)-1]
			if p.Price.GreaterThan(c.High) {
				c.High = p.Price
			}
			if p.Price.LessThan(c.Low) {
				c.Low = p.Price
			}
			c.Close = p.Price
			continue
		}
		candles = append(candles, model.Candle{
			Timestamp: start,
			Open:      p.Price,
			High:      p.Price,
			Low:       p.Price,
			Close:     p.Price,
		})
	}

	if max > 0 && len(candles) > max {
		candles = candles[len(candles)-max:]
	}
	return candles
}
