// Package modbusmeter is the generic Modbus/TCP driver. Which registers
// to read, how to scale them and how to reduce them into the minute
// bucket comes entirely from a field description file, so new register
// meters do not need code changes.
package modbusmeter

import (
	"fmt"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/AndreasFMueller/PowerMeter/pkg/config"
	"github.com/AndreasFMueller/PowerMeter/pkg/mbtcp"
	"github.com/AndreasFMueller/PowerMeter/pkg/simulator"
)

// Meter is the generic driver, a meter.Source.
type Meter struct {
	fields []descriptor
	conn   mbtcp.RegisterSource
}

// New parses the field description file named by the datafields key and
// opens the Modbus connection (or the simulated register bank).
func New(cfg *config.Config) (*Meter, error) {
	var fields []descriptor
	var err error
	if cfg.DataFields != "" {
		fields, err = loadFields(cfg.DataFields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
	} else {
		// without a description file only simulation makes sense
		fields = simulatedFields()
	}

	m := &Meter{fields: fields}
	if cfg.Simulate {
		m.conn = simulator.NewBank()
		return m, nil
	}
	port := cfg.MeterPort
	if port == 0 {
		port = 502
	}
	conn, err := mbtcp.Dial(cfg.MeterHostname, port)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return m, nil
}

// Fields lists the configured field names with their reductions.
func (m *Meter) Fields() []bucket.Field {
	fields := make([]bucket.Field, len(m.fields))
	for i, d := range m.fields {
		fields[i] = bucket.Field{Name: d.name, Op: d.op}
	}
	return fields
}

// Sample reads one register per plain descriptor, switching the slave
// id per field, then resolves the phase sums from the values already
// read.
func (m *Meter) Sample() ([]bucket.Sample, error) {
	values := make(map[string]float64, len(m.fields))
	for _, d := range m.fields {
		if d.typ == typePhases {
			continue
		}
		registers, err := m.conn.ReadRegisters(d.unit, d.address, 1)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", d.name, err)
		}
		raw := registers[0]
		var value float64
		switch d.typ {
		case typeInt16:
			value = float64(int16(raw))
		default:
			value = float64(raw)
		}
		values[d.name] = d.scale * value
	}

	samples := make([]bucket.Sample, 0, len(m.fields))
	for _, d := range m.fields {
		if d.typ == typePhases {
			sum, err := m.phaseSum(d.name, values)
			if err != nil {
				return nil, err
			}
			samples = append(samples, bucket.Sample{
				Name:  d.name,
				Value: d.scale * sum,
			})
			continue
		}
		samples = append(samples, bucket.Sample{
			Name:  d.name,
			Value: values[d.name],
		})
	}
	return samples, nil
}

// phaseSum adds up the already scaled values of name_phase1..3.
func (m *Meter) phaseSum(name string, values map[string]float64) (float64, error) {
	var sum float64
	for _, suffix := range []string{"_phase1", "_phase2", "_phase3"} {
		v, ok := values[name+suffix]
		if !ok {
			return 0, fmt.Errorf("phase sum %s: no descriptor %s%s",
				name, name, suffix)
		}
		sum += v
	}
	return sum, nil
}

// Close releases the Modbus connection.
func (m *Meter) Close() error {
	return m.conn.Close()
}

// simulatedFields is the descriptor set used when simulating without a
// description file: the three-phase map served by the register bank.
func simulatedFields() []descriptor {
	var fields []descriptor
	for i, base := range []uint16{36, 41, 46} {
		suffix := fmt.Sprintf("_phase%d", i+1)
		fields = append(fields,
			descriptor{name: "urms" + suffix, address: base, typ: typeUint16,
				scale: 1.0, op: bucket.Average},
			descriptor{name: "irms" + suffix, address: base + 1, typ: typeUint16,
				scale: 0.1, op: bucket.Average},
			descriptor{name: "prms" + suffix, address: base + 2, typ: typeUint16,
				scale: 10.0, op: bucket.Average},
		)
	}
	fields = append(fields, descriptor{
		name: "prms", typ: typePhases, scale: 1.0, op: bucket.Average,
	})
	return fields
}
