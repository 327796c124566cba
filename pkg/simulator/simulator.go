// Package simulator synthesizes physically plausible three-phase meter
// registers so the register drivers can run without hardware. Each
// phase follows a different waveform, which makes averaged output easy
// to eyeball on a plot.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

type phase interface {
	urms(t float64) float64
	irms(t float64) float64
	qrms(t float64) float64
	cosphi(t float64) float64
}

// phase1 is a quiet phase: mains voltage with noise, slow sinusoidal
// load over an hour.
type phase1 struct{ rng *rand.Rand }

func (p phase1) urms(t float64) float64 { return 230 + p.rng.Float64() }
func (p phase1) irms(t float64) float64 {
	return 1 + 0.5*math.Sin(math.Pi*t/3600) + 0.05*p.rng.Float64()
}
func (p phase1) qrms(t float64) float64   { return 0.02 }
func (p phase1) cosphi(t float64) float64 { return 0.97 }

// phase2 switches between two load levels with a square wave.
type phase2 struct{ rng *rand.Rand }

const phase2Period = 2000

func squarewave(t, period float64) float64 {
	s := t - period*math.Floor(t/period)
	if s > period/2 {
		return 1
	}
	return -1
}

func (p phase2) urms(t float64) float64 {
	return 235 + 5*squarewave(t, phase2Period) + p.rng.Float64()
}
func (p phase2) irms(t float64) float64 {
	return 1.4 + 0.8*squarewave(t, phase2Period) + 0.05*p.rng.Float64()
}
func (p phase2) qrms(t float64) float64 {
	return 0.05 + 0.3*(1+squarewave(t, phase2Period))
}
func (p phase2) cosphi(t float64) float64 {
	return math.Cos(1 + 0.3*squarewave(t, phase2Period))
}

// phase3 ramps with a triangle wave.
type phase3 struct{ rng *rand.Rand }

const phase3Period = 4711

func trianglewave(t, period float64) float64 {
	s := t - period*math.Floor(t/period)
	l := period / 2
	return 1 - 2*math.Abs((s-l)/l)
}

func (p phase3) urms(t float64) float64 {
	return 235 + 10*trianglewave(t, phase3Period) + p.rng.Float64()
}
func (p phase3) irms(t float64) float64 {
	return 2*(2+trianglewave(t, phase3Period)) + 0.05*p.rng.Float64()
}
func (p phase3) qrms(t float64) float64 {
	return 0.1 + 0.05*trianglewave(t, phase3Period)
}
func (p phase3) cosphi(t float64) float64 {
	return math.Cos(0.5 + trianglewave(t, phase3Period))
}

func prms(p phase, t float64) float64 { return p.urms(t) * p.irms(t) }

// register encoders, inverse of the driver-side scale factors
func encURMS(v float64) uint16   { return uint16(v) }
func encIRMS(v float64) uint16   { return uint16(10 * v) }
func encPRMS(v float64) uint16   { return uint16(0.1 * v) }
func encQRMS(v float64) uint16   { return uint16(100 * v) }
func encCosPhi(v float64) uint16 { return uint16(100 * v) }

// Bank serves the 53-register map of a three-phase meter from the
// waveform generators. It satisfies mbtcp.RegisterSource so the
// register drivers can swap it in for a live connection.
type Bank struct {
	start  time.Time
	phases [3]phase
	serial uint32
}

// NewBank seeds a register bank starting at the current time.
func NewBank() *Bank {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Bank{
		start: time.Now(),
		phases: [3]phase{
			phase1{rng: rng},
			phase2{rng: rng},
			phase3{rng: rng},
		},
		serial: rng.Uint32(),
	}
}

// ReadRegisters serves any window inside the 53-register image.
func (b *Bank) ReadRegisters(unit byte, addr, count uint16) ([]uint16, error) {
	image := b.image(time.Now())
	if int(addr)+int(count) > len(image) {
		return nil, fmt.Errorf("simulated register window %d@%d out of range",
			count, addr)
	}
	return image[addr : addr+count], nil
}

// Close is a no-op; the bank holds no resources.
func (b *Bank) Close() error { return nil }

// image builds the full register map for the given instant. The layout
// matches the ALE3 map: identity block first, measurements from
// register 36 on.
func (b *Bank) image(now time.Time) []uint16 {
	t := now.Sub(b.start).Seconds()
	image := make([]uint16, 53)
	image[0] = 0       // unused
	image[1] = 1       // firmware version
	image[2] = 53      // number of registers
	image[15] = 1      // hardware version
	image[16] = uint16(b.serial & 0xffff)
	image[17] = uint16(b.serial >> 16)
	image[24] = 1 // modbus address

	p1, p2, p3 := b.phases[0], b.phases[1], b.phases[2]
	image[36] = encURMS(p1.urms(t))
	image[37] = encIRMS(p1.irms(t))
	image[38] = encPRMS(prms(p1, t))
	image[39] = encQRMS(p1.qrms(t))
	image[40] = encCosPhi(p1.cosphi(t))

	image[41] = encURMS(p2.urms(t))
	image[42] = encIRMS(p2.irms(t))
	image[43] = encPRMS(prms(p2, t))
	image[44] = encQRMS(p2.qrms(t))
	image[45] = encCosPhi(p2.cosphi(t))

	image[46] = encURMS(p3.urms(t))
	image[47] = encIRMS(p3.irms(t))
	image[48] = encPRMS(prms(p3, t))
	image[49] = encQRMS(p3.qrms(t))
	image[50] = encCosPhi(p3.cosphi(t))

	image[51] = encPRMS(prms(p1, t) + prms(p2, t) + prms(p3, t))
	image[52] = encQRMS((p1.qrms(t) + p2.qrms(t) + p3.qrms(t)) / 3)
	return image
}
