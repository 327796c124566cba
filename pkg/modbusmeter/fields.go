package modbusmeter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
)

// fieldType tells the driver how to interpret the raw register.
type fieldType int

const (
	typeUint16 fieldType = iota
	typeInt16
	// typePhases sums the descriptors named <name>_phase1..3 instead
	// of reading a register of its own
	typePhases
)

// descriptor defines how one quantity is read and reduced. Descriptors
// are parsed once at driver start and immutable afterwards.
type descriptor struct {
	name    string
	unit    byte
	address uint16
	typ     fieldType
	scale   float64
	op      bucket.Reduction
}

// parseFields reads the CSV-like field description: one record per
// line, `name,unit,address,type,scalefactor,op`, `#` starts a comment.
func parseFields(r io.Reader) ([]descriptor, error) {
	var fields []descriptor
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		fields = append(fields, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no field descriptions found")
	}
	return fields, nil
}

func parseRecord(line string) (descriptor, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 6 {
		return descriptor{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	d := descriptor{name: parts[0]}

	unit, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return descriptor{}, fmt.Errorf("bad unit id '%s': %v", parts[1], err)
	}
	d.unit = byte(unit)

	address, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return descriptor{}, fmt.Errorf("bad address '%s': %v", parts[2], err)
	}
	d.address = uint16(address)

	switch parts[3] {
	case "uint16":
		d.typ = typeUint16
	case "int16":
		d.typ = typeInt16
	case "phases":
		d.typ = typePhases
	default:
		return descriptor{}, fmt.Errorf("unknown field type '%s'", parts[3])
	}

	d.scale, err = strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return descriptor{}, fmt.Errorf("bad scale factor '%s': %v", parts[4], err)
	}

	switch parts[5] {
	case "average":
		d.op = bucket.Average
	case "max":
		d.op = bucket.Max
	case "min":
		d.op = bucket.Min
	case "signed":
		d.op = bucket.SignedSplit
	default:
		return descriptor{}, fmt.Errorf("unknown reduction '%s'", parts[5])
	}
	return d, nil
}

// loadFields parses the description file at path.
func loadFields(path string) ([]descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fields, err := parseFields(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fields, nil
}
