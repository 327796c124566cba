package meter

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/AndreasFMueller/PowerMeter/pkg/queue"
)

// fakeClock advances by a scripted step on every After call, so the
// integration loop runs through a minute instantly and
// deterministically. Once the script is exhausted it advances by the
// requested wait duration.
type fakeClock struct {
	now   time.Time
	steps []time.Duration
	calls int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	step := d
	if c.calls < len(c.steps) {
		step = c.steps[c.calls]
	}
	c.calls++
	c.now = c.now.Add(step)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// blockClock never fires, to test cancellation during the tick wait.
type blockClock struct{ now time.Time }

func (c *blockClock) Now() time.Time                         { return c.now }
func (c *blockClock) After(d time.Duration) <-chan time.Time { return make(chan time.Time) }

type tick struct {
	samples []bucket.Sample
	err     error
}

// scriptSource replays a fixed sequence of device reads, repeating the
// last entry once the script is exhausted.
type scriptSource struct {
	fields []bucket.Field
	script []tick
	calls  int
	closed bool
}

func (s *scriptSource) Fields() []bucket.Field { return s.fields }

func (s *scriptSource) Sample() ([]bucket.Sample, error) {
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i].samples, s.script[i].err
}

func (s *scriptSource) Close() error {
	s.closed = true
	return nil
}

func one(name string, value float64) []bucket.Sample {
	return []bucket.Sample{{Name: name, Value: value}}
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-4
}

// Starting 15 s into a minute anchors the bucket at the minute start
// and integrates the remaining 45 s.
func TestMinuteAlignment(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{{samples: one("power", 100)}},
	}
	d := NewDriver(src, queue.New(), 2*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1699999995, 0)})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := b.When().Unix(); got != 1699999980 {
		t.Fatalf("anchor: got %d want 1699999980", got)
	}
	if b.When().Unix()%60 != 0 {
		t.Fatal("anchor not minute aligned")
	}
	// 45 s at a 2 s interval
	if src.calls < 22 || src.calls > 23 {
		t.Fatalf("got %d ticks, expected about 22", src.calls)
	}
	// constant signal: the partial-minute normalization must still
	// yield the signal value
	if v, _ := b.Get("power"); !almost(v, 100) {
		t.Fatalf("average: got %f want 100", v)
	}
}

// The time-weighted average weighs each sample by the time elapsed
// since the previous one; the last sample persists until minute end.
func TestTimeWeightedAverage(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{
			{samples: one("power", 100)},
			{samples: one("power", 200)},
			{samples: one("power", 300)},
			{samples: one("power", 300)},
		},
	}
	d := NewDriver(src, queue.New(), 20*time.Second)
	d.SetClock(&fakeClock{
		now:   time.Unix(1700000040, 0),
		steps: []time.Duration{0, 20 * time.Second, 20 * time.Second, 20 * time.Second},
	})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	want := (100*0 + 200*20 + 300*20 + 300*20) / 60.0
	if v, _ := b.Get("power"); !almost(v, want) {
		t.Fatalf("average: got %f want %f", v, want)
	}
}

// A signed field splits into _pos and _neg, each normalized over the
// full span.
func TestSignedSplit(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "grid_power", Op: bucket.SignedSplit}},
		script: []tick{
			{samples: one("grid_power", 500)},
			{samples: one("grid_power", -200)},
		},
	}
	d := NewDriver(src, queue.New(), 30*time.Second)
	d.SetClock(&fakeClock{
		now:   time.Unix(1700000040, 0),
		steps: []time.Duration{30 * time.Second, 30 * time.Second},
	})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	pos, _ := b.Get("grid_power_pos")
	neg, _ := b.Get("grid_power_neg")
	if !almost(pos, 250) {
		t.Fatalf("pos: got %f want 250", pos)
	}
	if !almost(neg, -100) {
		t.Fatalf("neg: got %f want -100", neg)
	}
}

// Signed fields deliver both keys even when no sample ever had that
// sign.
func TestSignedKeysAlwaysPresent(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{
			{Name: "grid_power", Op: bucket.SignedSplit},
			{Name: "power", Op: bucket.Average},
		},
		script: []tick{{samples: one("power", 100)}},
	}
	d := NewDriver(src, queue.New(), 10*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000040, 0)})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	for _, name := range []string{"grid_power_pos", "grid_power_neg"} {
		v, ok := b.Get(name)
		if !ok {
			t.Fatalf("%s missing", name)
		}
		if v != 0 {
			t.Fatalf("%s: got %f want 0", name, v)
		}
	}
}

// Counters are stored with update semantics and never normalized.
func TestCounterNotFinalized(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "energy", Op: bucket.Counter}},
		script: []tick{
			{samples: one("energy", 1000)},
			{samples: one("energy", 1002)},
		},
	}
	d := NewDriver(src, queue.New(), 30*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000040, 0)})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if v, _ := b.Get("energy"); v != 1002 {
		t.Fatalf("counter: got %f want 1002", v)
	}
}

// Extrapolation scales the weighted sum to a full minute.
func TestExtrapolateFullMinute(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "prms_total", Op: bucket.Extrapolate}},
		script: []tick{{samples: one("prms_total", 1500)}},
	}
	d := NewDriver(src, queue.New(), 20*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000040, 0)})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	// a constant 1500 W yields 1500*60 watt-seconds per minute no
	// matter how much of the minute was covered
	if v, _ := b.Get("prms_total"); !almost(v, 1500*60) {
		t.Fatalf("extrapolated: got %f want %f", v, 1500.0*60)
	}
}

// A tick without data (lost packet) leaves the previous timestamp
// alone, so the next sample covers the gap.
func TestLostTickCoveredByNextSample(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{
			{samples: nil},
			{samples: one("power", 100)},
		},
	}
	d := NewDriver(src, queue.New(), 20*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000040, 0)})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if v, _ := b.Get("power"); !almost(v, 100) {
		t.Fatalf("average with lost tick: got %f want 100", v)
	}
}

// Starting just before the minute boundary still anchors to the
// current minute, and the millisecond span normalizes to the single
// observed sample.
func TestStartJustBeforeMinuteEnd(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{{samples: one("power", 321)}},
	}
	d := NewDriver(src, queue.New(), 2*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000039, 999000000)})

	b, err := d.Integrate()
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := b.When().Unix(); got != 1699999980 {
		t.Fatalf("anchor: got %d want 1699999980", got)
	}
	if v, _ := b.Get("power"); !almost(v, 321) {
		t.Fatalf("average: got %f want 321", v)
	}
}

// A persistent device failure abandons the minute.
func TestDeviceReadErrorAbortsMinute(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{{err: errors.New("connection reset")}},
	}
	d := NewDriver(src, queue.New(), 2*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000015, 0)})

	_, err := d.Integrate()
	if !errors.Is(err, ErrDeviceRead) {
		t.Fatalf("got %v want ErrDeviceRead", err)
	}
}

// A minute without any sample must not produce a bucket.
func TestEmptyMinuteNotSubmitted(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{{samples: nil}},
	}
	d := NewDriver(src, queue.New(), 10*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000040, 0)})

	_, err := d.Integrate()
	if !errors.Is(err, ErrDeviceRead) {
		t.Fatalf("got %v want ErrDeviceRead", err)
	}
}

// Stopping the driver interrupts the tick wait, terminates the
// goroutine and closes the source.
func TestStopInterruptsWait(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{{samples: one("power", 100)}},
	}
	q := queue.New()
	d := NewDriver(src, q, 2*time.Second)
	d.SetClock(&blockClock{now: time.Unix(1700000015, 0)})
	d.Start()

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("driver did not stop in time")
	}
	if !src.closed {
		t.Fatal("source not closed on stop")
	}
	if q.Len() != 0 {
		t.Fatal("interrupted integration must not submit a bucket")
	}
}

// The run loop recovers from a failed minute and submits the next one.
func TestRunRecoversAfterFailedMinute(t *testing.T) {
	src := &scriptSource{
		fields: []bucket.Field{{Name: "power", Op: bucket.Average}},
		script: []tick{
			{err: errors.New("transient")},
			{samples: one("power", 100)},
		},
	}
	q := queue.New()
	d := NewDriver(src, q, 20*time.Second)
	d.SetClock(&fakeClock{now: time.Unix(1700000040, 0)})
	d.Start()
	defer d.Stop()

	deadline := time.After(3 * time.Second)
	for q.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("no bucket submitted after recovery")
		case <-time.After(time.Millisecond):
		}
	}
}
