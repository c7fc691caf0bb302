package types

import (
	"fmt"
	"time"
)

// Timeframe identifies the nominal bar spacing of a candle series.
type Timeframe int

const (
	// Timeframe1m is one-minute bars.
	Timeframe1m Timeframe = iota
	// Timeframe5m is five-minute bars.
	Timeframe5m
	// Timeframe15m is fifteen-minute bars.
	Timeframe15m
	// Timeframe30m is thirty-minute bars.
	Timeframe30m
	// Timeframe1h is hourly bars.
	Timeframe1h
	// Timeframe4h is four-hour bars.
	Timeframe4h
	// Timeframe1d is daily bars.
	Timeframe1d
	// Timeframe1w is weekly bars.
	Timeframe1w
)

// String returns the string representation of the timeframe.
func (t Timeframe) String() string {
	switch t {
	case Timeframe1m:
		return "1m"
	case Timeframe5m:
		return "5m"
	case Timeframe15m:
		return "15m"
	case Timeframe30m:
		return "30m"
	case Timeframe1h:
		return "1h"
	case Timeframe4h:
		return "4h"
	case Timeframe1d:
		return "1d"
	case Timeframe1w:
		return "1w"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Interval returns the nominal spacing between consecutive bars.
func (t Timeframe) Interval() time.Duration {
	switch t {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	case Timeframe1w:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// IsIntraday returns true for timeframes finer than daily.
func (t Timeframe) IsIntraday() bool {
	switch t {
	case Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m, Timeframe1h, Timeframe4h:
		return true
	default:
		return false
	}
}

// ParseTimeframe parses a string into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	switch s {
	case "1m":
		return Timeframe1m, nil
	case "5m":
		return Timeframe5m, nil
	case "15m":
		return Timeframe15m, nil
	case "30m":
		return Timeframe30m, nil
	case "1h":
		return Timeframe1h, nil
	case "4h":
		return Timeframe4h, nil
	case "1d":
		return Timeframe1d, nil
	case "1w":
		return Timeframe1w, nil
	default:
		return Timeframe1m, fmt.Errorf("unknown timeframe: %s", s)
	}
}

// AllTimeframes returns all supported timeframes in ascending order.
func AllTimeframes() []Timeframe {
	return []Timeframe{
		Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
	}
}
