package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/camkit/internal/debug"
)

// Lamp is a flash LED wired to one GPIO line (active high).
//
// Fire sequence:
// 1. line HIGH (lamp on)
// 2. hold for the flash duration
// 3. line LOW, unless the torch is on
type Lamp struct {
	mu    sync.Mutex
	gpio  Driver
	pin   int
	torch bool
	fires int
}

// NewLamp configures pin as an output and turns the lamp off.
func NewLamp(g Driver, pin int) (*Lamp, error) {
	if err := g.SetupPin(pin, Output); err != nil {
		return nil, fmt.Errorf("lamp pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, Low); err != nil {
		return nil, fmt.Errorf("lamp pin %d: %w", pin, err)
	}
	return &Lamp{gpio: g, pin: pin}, nil
}

// Fire pulses the lamp for d. It blocks for d.
func (l *Lamp) Fire(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	debug.Verbose("Lamp: fire (pin %d, %v)", l.pin, d)
	if err := l.gpio.WritePin(l.pin, High); err != nil {
		return err
	}
	time.Sleep(d)
	l.fires++
	if l.torch {
		return nil
	}
	return l.gpio.WritePin(l.pin, Low)
}

// Torch keeps the lamp lit (on) or turns it off.
func (l *Lamp) Torch(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.torch == on {
		return nil
	}
	level := Low
	if on {
		level = High
	}
	debug.Verbose("Lamp: torch %v (pin %d -> %s)", on, l.pin, level)
	if err := l.gpio.WritePin(l.pin, level); err != nil {
		return err
	}
	l.torch = on
	return nil
}

// TorchOn reports whether the torch is lit.
func (l *Lamp) TorchOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.torch
}

// Fires returns how many flash pulses were emitted.
func (l *Lamp) Fires() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fires
}

// Off turns the lamp off, torch included.
func (l *Lamp) Off() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.torch = false
	return l.gpio.WritePin(l.pin, Low)
}
