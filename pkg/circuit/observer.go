package circuit

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Observer receives state changes. A returned error is logged only.
type Observer func(StateChange) error

const observerBuffer = 256

// dispatcher delivers state changes to observers off the caller's
// goroutine. It starts on the first subscription.
type dispatcher struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	closed    bool

	events chan StateChange
	done   chan struct{}
	start  sync.Once
	stop   sync.Once
	wg     sync.WaitGroup
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		logger:    logger,
		observers: make(map[int]Observer),
		events:    make(chan StateChange, observerBuffer),
		done:      make(chan struct{}),
	}
}

func (d *dispatcher) subscribe(o Observer) func() {
	d.mu.Lock()
	if d.closed || o == nil {
		d.mu.Unlock()
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.observers[id] = o
	d.mu.Unlock()

	d.start.Do(func() {
		d.wg.Add(1)
		go d.run()
	})

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// publish never blocks. With no observers the change is discarded; with a
// full buffer it is dropped and logged.
func (d *dispatcher) publish(change StateChange) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.observers) == 0 {
		return
	}

	select {
	case d.events <- change:
	default:
		d.logger.Warn().
			Str("to", change.State.String()).
			Msg("Observer buffer full, state change dropped")
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case change := <-d.events:
			d.deliver(change)
		case <-d.done:
			for {
				select {
				case change := <-d.events:
					d.deliver(change)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(change StateChange) {
	d.mu.RLock()
	observers := make([]Observer, 0, len(d.observers))
	for id := 0; id < d.nextID; id++ {
		if o, ok := d.observers[id]; ok {
			observers = append(observers, o)
		}
	}
	d.mu.RUnlock()

	for _, o := range observers {
		if err := d.call(o, change); err != nil {
			d.logger.Warn().Err(err).
				Str("to", change.State.String()).
				Msg("Circuit breaker observer failed")
		}
	}
}

func (d *dispatcher) call(o Observer, change StateChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o(change)
}

func (d *dispatcher) close() {
	d.stop.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})
	d.wg.Wait()
}
