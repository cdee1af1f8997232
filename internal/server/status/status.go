// Package status maps coarse server states to an indicator LED color. The
// hardware backend is stubbed; the observable effect is one log line per
// color change.
package status

import (
	"context"
	"sync"

	"github.com/huxley-im/huxley/internal/logging"
)

// State is the coarse condition the indicator reflects.
type State int

const (
	StateBooting State = iota
	StateOperational
	StateProcessing
	StateError
)

// LedColor is the physical color the stubbed hardware would show.
type LedColor int

const (
	ColorOff LedColor = iota
	ColorGreen
	ColorYellow
	ColorRed
)

func colorForState(state State) LedColor {
	switch state {
	case StateBooting, StateProcessing:
		return ColorYellow
	case StateOperational:
		return ColorGreen
	case StateError:
		return ColorRed
	}
	return ColorOff
}

func (c LedColor) String() string {
	switch c {
	case ColorOff:
		return "off"
	case ColorGreen:
		return "green"
	case ColorYellow:
		return "yellow"
	case ColorRed:
		return "red"
	}
	return "unknown"
}

// Indicator tracks the current state/color pair.
type Indicator struct {
	log logging.Logger

	mu    sync.Mutex
	state State
	color LedColor
}

func NewIndicator(log logging.Logger) *Indicator {
	return &Indicator{
		log:   log.With("module", "status"),
		state: StateBooting,
		color: ColorOff,
	}
}

// SetState records the new state and drives the (stubbed) LED when the
// mapped color differs from the current one.
func (i *Indicator) SetState(state State) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = state
	next := colorForState(state)
	if next != i.color {
		i.color = next
		i.driveHardware(next)
	}
}

// Color returns the color currently shown.
func (i *Indicator) Color() LedColor {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.color
}

// driveHardware is a stub; replace with GPIO writes on the target platform.
func (i *Indicator) driveHardware(color LedColor) {
	i.log.Info(context.Background(), "led color change", "color", color.String())
}
