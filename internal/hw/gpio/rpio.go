package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver drives Raspberry Pi GPIO lines through go-rpio. It needs
// /dev/gpiomem access (or root).
type RPiDriver struct {
	mu    sync.Mutex
	modes map[int]PinMode
}

// NewRPiDriver maps the GPIO registers.
func NewRPiDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (not a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped")
	return &RPiDriver{modes: make(map[int]PinMode)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.line(pin, mode, true)
	return err
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.line(pin, Output, false)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.line(pin, Input, false)
	if err != nil {
		return Low, err
	}
	return Level(p.Read() == rpio.High), nil
}

// line returns pin configured for mode. Unless force is set, a line that was
// already set up keeps its mode; writing to an input line is an error.
func (r *RPiDriver) line(pin int, mode PinMode, force bool) (rpio.Pin, error) {
	p := rpio.Pin(pin)
	cur, known := r.modes[pin]
	if known && !force {
		if mode == Output && cur != Output {
			return p, fmt.Errorf("gpio %d is an input", pin)
		}
		return p, nil
	}
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return p, fmt.Errorf("gpio %d: unknown pin mode %d", pin, mode)
	}
	r.modes[pin] = mode
	return p, nil
}

// Close turns every output (the flash lamp) off, returns all lines to input
// and unmaps the registers.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, mode := range r.modes {
		p := rpio.Pin(pin)
		if mode == Output {
			p.Low()
		}
		p.Input()
		debug.Verbose("GPIO %d released", pin)
	}
	r.modes = map[int]PinMode{}
	return rpio.Close()
}
