package ale3

import (
	"math"
	"testing"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
)

// fakeRegisters serves a fixed 53-register image and records the read
// windows.
type fakeRegisters struct {
	image   [registerCount]uint16
	windows []uint16
	units   []byte
}

func (f *fakeRegisters) ReadRegisters(unit byte, addr, count uint16) ([]uint16, error) {
	f.windows = append(f.windows, count)
	f.units = append(f.units, unit)
	return f.image[addr : addr+count], nil
}

func (f *fakeRegisters) Close() error { return nil }

func testImage() [registerCount]uint16 {
	var image [registerCount]uint16
	image[regURMSPhase1] = 230  // 230 V
	image[regIRMSPhase1] = 15   // 1.5 A
	image[regPRMSPhase1] = 34   // 340 W
	image[regQRMSPhase1] = 2    // 0.02
	image[regCosPhiPhase1] = 97 // 0.97
	image[regURMSPhase2] = 235
	image[regURMSPhase3] = 238
	image[regPRMSTotal] = 102 // 1020 W
	image[regQRMSTotal] = 9   // 0.09
	return image
}

func TestSampleScaling(t *testing.T) {
	fake := &fakeRegisters{image: testImage()}
	m := &Meter{conn: fake, unit: 7}

	samples, err := m.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	values := make(map[string]float64, len(samples))
	for _, s := range samples {
		values[s.Name] = s.Value
	}
	cases := map[string]float64{
		"urms_phase1":   230,
		"irms_phase1":   1.5,
		"prms_phase1":   340,
		"qrms_phase1":   0.02,
		"cosphi_phase1": 0.97,
		"urms_phase2":   235,
		"urms_phase3":   238,
		"prms_total":    1020,
		"qrms_total":    0.09,
	}
	for name, want := range cases {
		got, ok := values[name]
		if !ok {
			t.Errorf("%s missing", name)
			continue
		}
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("%s: got %f want %f", name, got, want)
		}
	}
}

// The device rejects reads of more than 10 registers; the driver must
// fetch the map in small windows covering all 53 registers.
func TestWindowedReads(t *testing.T) {
	fake := &fakeRegisters{image: testImage()}
	m := &Meter{conn: fake, unit: 7}

	if _, err := m.Sample(); err != nil {
		t.Fatalf("sample: %v", err)
	}
	var total uint16
	for _, w := range fake.windows {
		if w > windowSize {
			t.Fatalf("window of %d registers exceeds device limit", w)
		}
		total += w
	}
	if total != registerCount {
		t.Fatalf("read %d registers, want %d", total, registerCount)
	}
	for _, u := range fake.units {
		if u != 7 {
			t.Fatalf("read from unit %d, want 7", u)
		}
	}
}

// Active powers extrapolate to energy per minute, everything else
// averages.
func TestFieldReductions(t *testing.T) {
	m := &Meter{conn: &fakeRegisters{}, unit: 1}
	ops := make(map[string]bucket.Reduction)
	for _, f := range m.Fields() {
		ops[f.Name] = f.Op
	}
	extrapolated := []string{"prms_phase1", "prms_phase2", "prms_phase3", "prms_total"}
	for _, name := range extrapolated {
		if ops[name] != bucket.Extrapolate {
			t.Errorf("%s: expected Extrapolate", name)
		}
	}
	averaged := []string{
		"urms_phase1", "irms_phase1", "qrms_phase1", "cosphi_phase1",
		"urms_phase2", "irms_phase2", "qrms_phase2", "cosphi_phase2",
		"urms_phase3", "irms_phase3", "qrms_phase3", "cosphi_phase3",
		"qrms_total",
	}
	for _, name := range averaged {
		if ops[name] != bucket.Average {
			t.Errorf("%s: expected Average", name)
		}
	}
	if len(ops) != len(extrapolated)+len(averaged) {
		t.Fatalf("unexpected field count %d", len(ops))
	}
}
