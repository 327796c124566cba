package solivia

import (
	"encoding/binary"
	"fmt"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/sigurn/crc16"
)

// FrameSize is the length of a valid inverter response.
const FrameSize = 164

// frame layout: a fixed-offset binary record, all 16-bit quantities big
// endian
const (
	offSTX    = 0
	offACK    = 1
	offID     = 2
	offPart   = 6 // 11 bytes
	partLen   = 11
	offSerial = offPart + partLen // 18 bytes
	serialLen = 18

	offVersion = offSerial + 24 // three 2-byte versions
	offPhase1  = offVersion + 12
	offPhase2  = offPhase1 + 12
	offPhase3  = offPhase2 + 12
	offString1 = offPhase3 + 12
	offString2 = offString1 + 6
	offInvert  = offString2 + 6

	offCRC = FrameSize - 3
	offETX = FrameSize - 1
)

const (
	stx = 0x02
	ack = 0x06
	etx = 0x03
)

// The inverter computes its CRC MSB first with polynomial 0x8005,
// init 0 and no reflection. That is CRC-16/BUYPASS, not the reflected
// CRC-16/ARC which shares the polynomial constant.
var crcTable = crc16.MakeTable(crc16.CRC16_BUYPASS)

// buildRequest assembles the 9-byte poll request for a device id. The
// CRC covers bytes 1 through 5 and is stored low byte first.
func buildRequest(id byte) [9]byte {
	request := [9]byte{stx, 0x05, id, 0x02, 0x60, 0x01, 0, 0, etx}
	c := crc16.Checksum(request[1:6], crcTable)
	request[6] = byte(c)
	request[7] = byte(c >> 8)
	return request
}

// frame wraps a validated response packet.
type frame []byte

// parseFrame checks size, framing bytes, device id and CRC. The CRC
// covers bytes 1 through len-4 and is embedded big endian at len-3.
func parseFrame(buf []byte, id byte) (frame, error) {
	if len(buf) != FrameSize {
		return nil, fmt.Errorf("wrong packet size %d", len(buf))
	}
	if buf[offSTX] != stx || buf[offACK] != ack {
		return nil, fmt.Errorf("incorrect packet framing %02x %02x",
			buf[offSTX], buf[offACK])
	}
	if buf[offID] != id {
		return nil, fmt.Errorf("device id mismatch: %d != %d", buf[offID], id)
	}
	want := binary.BigEndian.Uint16(buf[offCRC : offCRC+2])
	got := crc16.Checksum(buf[1:FrameSize-3], crcTable)
	if got != want {
		return nil, fmt.Errorf("bad CRC: %04x != %04x", got, want)
	}
	return frame(buf), nil
}

func (f frame) shortAt(offset int) uint16 {
	return binary.BigEndian.Uint16(f[offset : offset+2])
}

func (f frame) floatAt(offset int, scale float64) float64 {
	return scale * float64(f.shortAt(offset))
}

// longFloatAt reads a 4-byte big endian counter.
func (f frame) longFloatAt(offset int, scale float64) float64 {
	return scale * float64(binary.BigEndian.Uint32(f[offset:offset+4]))
}

func (f frame) stringAt(offset, length int) string {
	return string(f[offset : offset+length])
}

func (f frame) versionAt(offset int) string {
	return fmt.Sprintf("%d.%d", f[offset], f[offset+1])
}

// identity fields
func (f frame) part() string        { return f.stringAt(offPart, partLen) }
func (f frame) serial() string      { return f.stringAt(offSerial, serialLen) }
func (f frame) pmFirmware() string  { return f.versionAt(offVersion) }
func (f frame) stsFirmware() string { return f.versionAt(offVersion + 4) }
func (f frame) dspFirmware() string { return f.versionAt(offVersion + 8) }

// samples decodes the measurement block into named field values. The
// energy and feedtime counters are monotonic; everything else is an
// instantaneous quantity.
func (f frame) samples() []bucket.Sample {
	var samples []bucket.Sample
	add := func(name string, value float64) {
		samples = append(samples, bucket.Sample{Name: name, Value: value})
	}
	for i, offset := range []int{offPhase1, offPhase2, offPhase3} {
		prefix := fmt.Sprintf("phase%d.", i+1)
		add(prefix+"voltage", f.floatAt(offset, 0.1))
		add(prefix+"current", f.floatAt(offset+2, 0.01))
		add(prefix+"power", f.floatAt(offset+4, 1))
		add(prefix+"frequency", f.floatAt(offset+6, 0.01))
	}
	for i, offset := range []int{offString1, offString2} {
		prefix := fmt.Sprintf("string%d.", i+1)
		add(prefix+"voltage", f.floatAt(offset, 0.1))
		add(prefix+"current", f.floatAt(offset+2, 0.01))
		add(prefix+"power", f.floatAt(offset+4, 1))
	}
	add("inverter.power", f.floatAt(offInvert, 1))
	add("inverter.energy", f.longFloatAt(offInvert+6, 1))
	add("inverter.feedtime", f.longFloatAt(offInvert+10, 1))
	add("inverter.temperature", f.floatAt(offInvert+22, 1))
	return samples
}
