// Package meter runs the minute-aligned acquisition loop shared by all
// meter families. A family only supplies a Source that performs one
// device read per tick; integration, time weighting and finalization
// live here.
package meter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/AndreasFMueller/PowerMeter/pkg/queue"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInterrupted is returned by integrate when the driver is asked
	// to stop during a tick wait.
	ErrInterrupted = errors.New("meter thread interrupted")
	// ErrDeviceRead is returned when the device could not be read and
	// the current bucket had to be abandoned.
	ErrDeviceRead = errors.New("device read failed")
)

// Source is one meter family. Sample performs a single device read and
// returns the decoded fields; a (nil, nil) return means the tick
// produced no data and integration simply continues. Errors abandon the
// current minute.
type Source interface {
	Fields() []bucket.Field
	Sample() ([]bucket.Sample, error)
	Close() error
}

// Clock abstracts wall-clock access so the integration loop can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Driver owns the acquisition goroutine for one meter.
type Driver struct {
	src      Source
	queue    *queue.Queue
	interval time.Duration
	clock    Clock
	ops      map[string]bucket.Reduction

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDriver wires a source to the bucket queue. The interval bounds the
// per-tick wait; Start must be called to begin acquisition.
func NewDriver(src Source, q *queue.Queue, interval time.Duration) *Driver {
	ops := make(map[string]bucket.Reduction)
	for _, f := range src.Fields() {
		ops[f.Name] = f.Op
	}
	return &Driver{
		src:      src,
		queue:    q,
		interval: interval,
		clock:    systemClock{},
		ops:      ops,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetClock replaces the wall clock, for tests. Must be called before
// Start.
func (d *Driver) SetClock(c Clock) {
	d.clock = c
}

// Start launches the driver goroutine.
func (d *Driver) Start() {
	go d.run()
}

// Stop asks the driver to terminate, waits for the goroutine to exit
// and closes the device transport.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
	if err := d.src.Close(); err != nil {
		log.Warnf("closing meter transport: %v", err)
	}
}

func (d *Driver) run() {
	defer close(d.done)
	for {
		b, err := d.Integrate()
		switch {
		case err == nil:
			d.queue.Submit(b)
		case errors.Is(err, ErrInterrupted):
			return
		default:
			// transient: skip this minute, try the next one
			log.Warnf("integration failed: %v", err)
		}
		select {
		case <-d.stop:
			return
		default:
		}
	}
}

// Integrate collects samples until the end of the current wall-clock
// minute and returns the finalized bucket. The bucket is anchored at
// the start of the minute even when integration begins mid-minute; the
// normalization uses the actually covered span.
func (d *Driver) Integrate() (*bucket.Bucket, error) {
	start := d.clock.Now()
	anchor := start.Truncate(time.Minute)
	end := anchor.Add(time.Minute)
	log.Debugf("integrating [%d, %d)", anchor.Unix(), end.Unix())

	b := bucket.New(anchor)
	// signed fields always deliver both keys, even without samples
	for name, op := range d.ops {
		if op == bucket.SignedSplit {
			b.Update(name+"_pos", 0)
			b.Update(name+"_neg", 0)
		}
	}

	previous := start
	samples := 0
	for {
		now := d.clock.Now()
		if !now.Before(end) {
			break
		}
		remaining := end.Sub(now)
		if remaining > d.interval {
			remaining = d.interval
		}
		select {
		case <-d.clock.After(remaining):
		case <-d.stop:
			return nil, ErrInterrupted
		}

		decoded, err := d.src.Sample()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceRead, err)
		}
		if decoded == nil {
			// lost tick, the next sample covers the gap
			continue
		}

		now = d.clock.Now()
		delta := now.Sub(previous).Seconds()
		previous = now
		samples++

		for _, s := range decoded {
			switch d.ops[s.Name] {
			case bucket.Average, bucket.Extrapolate:
				b.Accumulate(delta, s.Name, s.Value)
			case bucket.SignedSplit:
				b.AccumulateSigned(delta, s.Name, s.Value)
			case bucket.Max:
				b.UpdateMax(s.Name, s.Value)
			case bucket.Min:
				b.UpdateMin(s.Name, s.Value)
			case bucket.Counter:
				b.Update(s.Name, s.Value)
			}
		}
	}

	if samples == 0 {
		return nil, fmt.Errorf("%w: no samples in [%d, %d)",
			ErrDeviceRead, anchor.Unix(), end.Unix())
	}

	// normalize over the span actually covered
	span := end.Sub(start).Seconds()
	for name, op := range d.ops {
		switch op {
		case bucket.Average:
			b.Finalize(name, 1/span)
		case bucket.Extrapolate:
			b.Finalize(name, 60/span)
		case bucket.SignedSplit:
			b.Finalize(name+"_pos", 1/span)
			b.Finalize(name+"_neg", 1/span)
		}
	}
	log.Debugf("bucket %d finalized with %d samples over %.3fs",
		anchor.Unix(), samples, span)
	return b, nil
}
