// Package ale3 reads a three-phase ALE3 revenue meter over Modbus/TCP.
// The register map is fixed by the device; registers are read in small
// windows because the meter rejects larger requests.
package ale3

import (
	"fmt"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/AndreasFMueller/PowerMeter/pkg/config"
	"github.com/AndreasFMueller/PowerMeter/pkg/mbtcp"
	"github.com/AndreasFMueller/PowerMeter/pkg/simulator"
)

// register indices in the 53-register map
const (
	regURMSPhase1   = 36
	regIRMSPhase1   = 37
	regPRMSPhase1   = 38
	regQRMSPhase1   = 39
	regCosPhiPhase1 = 40
	regURMSPhase2   = 41
	regIRMSPhase2   = 42
	regPRMSPhase2   = 43
	regQRMSPhase2   = 44
	regCosPhiPhase2 = 45
	regURMSPhase3   = 46
	regIRMSPhase3   = 47
	regPRMSPhase3   = 48
	regQRMSPhase3   = 49
	regCosPhiPhase3 = 50
	regPRMSTotal    = 51
	regQRMSTotal    = 52

	registerCount = 53
	// the device caps a single read at 10 registers
	windowSize = 10
)

// scale factors per the device manual
const (
	scaleURMS   = 1.0
	scaleIRMS   = 0.1
	scalePRMS   = 10.0
	scaleQRMS   = 0.01
	scaleCosPhi = 0.01
)

// fieldDef ties a register to its canonical name, scale and reduction.
// Voltages, currents, reactive powers and power factors are averaged;
// active powers are extrapolated to energy per minute.
type fieldDef struct {
	name     string
	register int
	scale    float64
	op       bucket.Reduction
}

var fieldTable = []fieldDef{
	{"urms_phase1", regURMSPhase1, scaleURMS, bucket.Average},
	{"irms_phase1", regIRMSPhase1, scaleIRMS, bucket.Average},
	{"prms_phase1", regPRMSPhase1, scalePRMS, bucket.Extrapolate},
	{"qrms_phase1", regQRMSPhase1, scaleQRMS, bucket.Average},
	{"cosphi_phase1", regCosPhiPhase1, scaleCosPhi, bucket.Average},
	{"urms_phase2", regURMSPhase2, scaleURMS, bucket.Average},
	{"irms_phase2", regIRMSPhase2, scaleIRMS, bucket.Average},
	{"prms_phase2", regPRMSPhase2, scalePRMS, bucket.Extrapolate},
	{"qrms_phase2", regQRMSPhase2, scaleQRMS, bucket.Average},
	{"cosphi_phase2", regCosPhiPhase2, scaleCosPhi, bucket.Average},
	{"urms_phase3", regURMSPhase3, scaleURMS, bucket.Average},
	{"irms_phase3", regIRMSPhase3, scaleIRMS, bucket.Average},
	{"prms_phase3", regPRMSPhase3, scalePRMS, bucket.Extrapolate},
	{"qrms_phase3", regQRMSPhase3, scaleQRMS, bucket.Average},
	{"cosphi_phase3", regCosPhiPhase3, scaleCosPhi, bucket.Average},
	{"prms_total", regPRMSTotal, scalePRMS, bucket.Extrapolate},
	{"qrms_total", regQRMSTotal, scaleQRMS, bucket.Average},
}

// Meter is the ALE3 driver, a meter.Source.
type Meter struct {
	conn mbtcp.RegisterSource
	unit byte
}

// New opens the Modbus connection, or a simulated register bank when
// the configuration asks for it.
func New(cfg *config.Config) (*Meter, error) {
	if cfg.Simulate {
		return &Meter{conn: simulator.NewBank(), unit: byte(cfg.MeterID)}, nil
	}
	port := cfg.MeterPort
	if port == 0 {
		port = 502
	}
	conn, err := mbtcp.Dial(cfg.MeterHostname, port)
	if err != nil {
		return nil, err
	}
	return &Meter{conn: conn, unit: byte(cfg.MeterID)}, nil
}

// Fields lists the canonical field names with their reductions.
func (m *Meter) Fields() []bucket.Field {
	fields := make([]bucket.Field, len(fieldTable))
	for i, def := range fieldTable {
		fields[i] = bucket.Field{Name: def.name, Op: def.op}
	}
	return fields
}

// Sample reads the full register map in windows and scales each field.
func (m *Meter) Sample() ([]bucket.Sample, error) {
	registers, err := m.readAll()
	if err != nil {
		return nil, err
	}
	samples := make([]bucket.Sample, len(fieldTable))
	for i, def := range fieldTable {
		samples[i] = bucket.Sample{
			Name:  def.name,
			Value: def.scale * float64(registers[def.register]),
		}
	}
	return samples, nil
}

func (m *Meter) readAll() ([]uint16, error) {
	registers := make([]uint16, 0, registerCount)
	for offset := 0; offset < registerCount; offset += windowSize {
		count := registerCount - offset
		if count > windowSize {
			count = windowSize
		}
		window, err := m.conn.ReadRegisters(m.unit, uint16(offset), uint16(count))
		if err != nil {
			return nil, fmt.Errorf("window %d@%d: %w", count, offset, err)
		}
		registers = append(registers, window...)
	}
	return registers, nil
}

// Close releases the Modbus connection.
func (m *Meter) Close() error {
	return m.conn.Close()
}
