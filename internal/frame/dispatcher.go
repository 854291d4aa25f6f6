package frame

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
)

// Processor inspects frames. Process runs on the dispatcher goroutine and
// must not keep f (or f.Data()) after returning; use f.Freeze instead.
// Processors are compared by identity, so register pointer types.
type Processor interface {
	Process(f *Frame)
}

// DefaultPoolSize is used when Config.PoolSize is zero.
const DefaultPoolSize = 2

// maxPoolSize bounds the pool; it also sizes the hand-off queue.
const maxPoolSize = 32

// Config describes the frames the dispatcher hands out.
type Config struct {
	Format         camera.FrameFormat
	Size           camera.Size
	PoolSize       int
	RotationToUser int
	RotationToView int
}

// Stats counts dispatcher activity since creation.
type Stats struct {
	Offered    uint64 // frames offered by the backend
	Dispatched uint64 // frames handed to processors
	Dropped    uint64 // frames dropped because the pool was exhausted
	Skipped    uint64 // frames skipped because no processor was registered
}

// Dispatcher fans frames out to processors on its own goroutine. The
// streaming side never blocks: when every pooled frame is borrowed the newest
// frame is dropped.
type Dispatcher struct {
	mu         sync.RWMutex
	processors []Processor
	cfg        Config
	pool       *pool
	gen        uint64

	nproc    atomic.Int32
	seq      atomic.Uint64
	released atomic.Bool

	offered, dispatched, dropped, skipped atomic.Uint64

	queue chan *Frame
	stop  chan struct{}
	done  chan struct{}
}

// NewDispatcher creates a dispatcher and starts its goroutine.
func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		queue: make(chan *Frame, 2*maxPoolSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	d.Setup(cfg)
	go d.loop()
	return d
}

// Setup re-negotiates format, size, pool size and rotations. Frames borrowed
// from the previous configuration finish their round and are then discarded.
func (d *Dispatcher) Setup(cfg Config) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PoolSize > maxPoolSize {
		cfg.PoolSize = maxPoolSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.cfg = cfg
	d.pool = newPool(d.gen, cfg.PoolSize, cfg.Format.BufferSize(cfg.Size))
	debug.Verbose("Frame dispatcher: %s %s pool=%d rotation user=%d view=%d",
		cfg.Format, cfg.Size, cfg.PoolSize, cfg.RotationToUser, cfg.RotationToView)
}

// Config returns the current configuration.
func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// AddProcessor registers p. Adding the same processor twice is a no-op.
func (d *Dispatcher) AddProcessor(p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.processors {
		if q == p {
			return
		}
	}
	d.processors = append(d.processors, p)
	d.nproc.Store(int32(len(d.processors)))
}

// RemoveProcessor unregisters p. It may be called from inside Process.
func (d *Dispatcher) RemoveProcessor(p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, q := range d.processors {
		if q == p {
			d.processors = append(d.processors[:i:i], d.processors[i+1:]...)
			break
		}
	}
	d.nproc.Store(int32(len(d.processors)))
}

// HasProcessors reports whether at least one processor is registered.
func (d *Dispatcher) HasProcessors() bool { return d.nproc.Load() > 0 }

// Offer copies data into a pooled frame and queues it for the processors.
// It never blocks and returns false when the frame was not queued.
func (d *Dispatcher) Offer(data []byte, ts time.Time) bool {
	d.offered.Add(1)
	if d.released.Load() {
		return false
	}
	if d.nproc.Load() == 0 {
		d.skipped.Add(1)
		return false
	}

	d.mu.RLock()
	p, cfg := d.pool, d.cfg
	d.mu.RUnlock()

	f := p.get()
	if f == nil {
		n := d.dropped.Add(1)
		debug.Frame(n, "dropped (pool exhausted)")
		return false
	}
	f.fill(data)
	f.Seq = d.seq.Add(1)
	f.Format = cfg.Format
	f.Size = cfg.Size
	f.Timestamp = ts
	f.RotationToUser = cfg.RotationToUser
	f.RotationToView = cfg.RotationToView
	f.state.Store(stateDispatched)

	select {
	case d.queue <- f:
		return true
	default:
		p.put(f)
		d.dropped.Add(1)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Offered:    d.offered.Load(),
		Dispatched: d.dispatched.Load(),
		Dropped:    d.dropped.Load(),
		Skipped:    d.skipped.Load(),
	}
}

// Release stops the goroutine after frames already queued are delivered.
func (d *Dispatcher) Release() {
	if d.released.Swap(true) {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case f := <-d.queue:
			d.deliver(f)
		case <-d.stop:
			for {
				select {
				case f := <-d.queue:
					d.deliver(f)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(f *Frame) {
	defer f.pool.put(f)

	d.mu.RLock()
	procs := d.processors
	d.mu.RUnlock()

	for _, p := range procs {
		d.process(p, f)
	}
	d.dispatched.Add(1)
	debug.Frame(f.Seq, "dispatched")
}

func (d *Dispatcher) process(p Processor, f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			debug.Error(fmt.Errorf("frame processor %T panicked: %v", p, r))
		}
	}()
	p.Process(f)
}
