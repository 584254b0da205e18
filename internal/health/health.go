// Package health acquires heart rate and energy readings on the wearable.
package health

import (
	"context"
	"time"
)

// Reading is one health sample. Calories is the running total of the current acquisition.
type Reading struct {
	HeartRate *int
	Calories  *float64
	At        time.Time
}

type Handler func(Reading)

// Source streams readings to the handler from Start until Stop
type Source interface {
	Start(ctx context.Context, onReading Handler) error
	Stop()
}

// kcalPerKJ converts the energy expended field of a heart rate measurement
const kcalPerKJ = 1 / 4.184
