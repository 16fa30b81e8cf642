// Package presence smooths and rate-limits the high-frequency ephemeral
// traffic of a board: cursor positions, selections and join/leave notices.
// Nothing here is durable.
package presence

import "time"

// Config tunes throttling and interpolation
type Config struct {
	// TransportRateLimit is the per-connection message limit of the transport, per second
	TransportRateLimit float64 `mapstructure:"transport_rate_limit" yaml:"transport_rate_limit" json:"transport_rate_limit" validate:"gt=0"`
	// SafetyMargin is the share of the limit the board may use in aggregate
	SafetyMargin float64 `mapstructure:"safety_margin" yaml:"safety_margin" json:"safety_margin" validate:"gt=0,lte=1"`
	// DragReserve is the share of that budget kept free for shape-drag updates
	DragReserve float64 `mapstructure:"drag_reserve" yaml:"drag_reserve" json:"drag_reserve" validate:"gte=0,lt=1"`

	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval" json:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval" json:"max_interval"`

	MinInterpolation time.Duration `mapstructure:"min_interpolation" yaml:"min_interpolation" json:"min_interpolation"`
	MaxInterpolation time.Duration `mapstructure:"max_interpolation" yaml:"max_interpolation" json:"max_interpolation"`
	StaleTimeout     time.Duration `mapstructure:"stale_timeout" yaml:"stale_timeout" json:"stale_timeout"`
}

// DefaultConfig returns the stock tuning: about 60 Hz at best, 7 Hz at worst
func DefaultConfig() Config {
	return Config{
		TransportRateLimit: 100,
		SafetyMargin:       0.8,
		DragReserve:        0.3,
		MinInterval:        16 * time.Millisecond,
		MaxInterval:        150 * time.Millisecond,
		MinInterpolation:   16 * time.Millisecond,
		MaxInterpolation:   200 * time.Millisecond,
		StaleTimeout:       5 * time.Second,
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
