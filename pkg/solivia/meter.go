// Package solivia polls a Solivia photovoltaic inverter over UDP. Each
// tick sends a fixed request and waits up to a second for a valid
// 164-byte response; garbled or foreign packets are drained and
// dropped.
package solivia

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
	"github.com/AndreasFMueller/PowerMeter/pkg/config"
	log "github.com/sirupsen/logrus"
)

// fieldTable lists the decoded quantities and how they are reduced.
// The energy and feedtime counters keep their last value and are not
// averaged.
var fieldTable = []bucket.Field{
	{Name: "phase1.voltage", Op: bucket.Average},
	{Name: "phase1.current", Op: bucket.Average},
	{Name: "phase1.power", Op: bucket.Average},
	{Name: "phase1.frequency", Op: bucket.Average},
	{Name: "phase2.voltage", Op: bucket.Average},
	{Name: "phase2.current", Op: bucket.Average},
	{Name: "phase2.power", Op: bucket.Average},
	{Name: "phase2.frequency", Op: bucket.Average},
	{Name: "phase3.voltage", Op: bucket.Average},
	{Name: "phase3.current", Op: bucket.Average},
	{Name: "phase3.power", Op: bucket.Average},
	{Name: "phase3.frequency", Op: bucket.Average},
	{Name: "string1.voltage", Op: bucket.Average},
	{Name: "string1.current", Op: bucket.Average},
	{Name: "string1.power", Op: bucket.Average},
	{Name: "string2.voltage", Op: bucket.Average},
	{Name: "string2.current", Op: bucket.Average},
	{Name: "string2.power", Op: bucket.Average},
	{Name: "inverter.power", Op: bucket.Average},
	{Name: "inverter.energy", Op: bucket.Counter},
	{Name: "inverter.feedtime", Op: bucket.Counter},
	{Name: "inverter.temperature", Op: bucket.Average},
}

// udpSocket is the slice of *net.UDPConn the driver uses, separated
// out so Sample's dispatch logic can be driven by a fake in tests.
type udpSocket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Meter is the Solivia driver, a meter.Source.
type Meter struct {
	id      byte
	passive bool
	target  *net.UDPAddr
	recv    udpSocket
	send    udpSocket
	request [9]byte

	identityOnce sync.Once
}

// New binds the listen socket, resolves the inverter address and
// precomputes the request packet.
func New(cfg *config.Config) (*Meter, error) {
	if cfg.ListenPort == 0 {
		return nil, fmt.Errorf("%w: solivia requires listenport", config.ErrConfig)
	}
	recv, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("cannot bind listen port %d: %w",
			cfg.ListenPort, err)
	}
	port := cfg.MeterPort
	if port == 0 {
		port = 1471
	}
	target, err := net.ResolveUDPAddr("udp4",
		fmt.Sprintf("%s:%d", cfg.MeterHostname, port))
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("cannot resolve '%s': %w", cfg.MeterHostname, err)
	}
	send, err := net.ListenUDP("udp4", nil)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("cannot create send socket: %w", err)
	}
	m := &Meter{
		id:      byte(cfg.MeterID),
		passive: cfg.MeterPassive,
		target:  target,
		recv:    recv,
		send:    send,
		request: buildRequest(byte(cfg.MeterID)),
	}
	log.Debugf("solivia request packet: % 02x", m.request)
	return m, nil
}

// Fields lists the decoded field names with their reductions.
func (m *Meter) Fields() []bucket.Field {
	return fieldTable
}

// Sample sends the request (unless passive) and waits up to a second
// for a valid frame. A timeout is not an error: the tick simply yields
// no sample and integration continues.
func (m *Meter) Sample() ([]bucket.Sample, error) {
	if !m.passive {
		if _, err := m.send.WriteToUDP(m.request[:], m.target); err != nil {
			return nil, fmt.Errorf("cannot send request: %w", err)
		}
	}

	if err := m.recv.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	for {
		n, _, err := m.recv.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				log.Debug("no packet, timeout")
				return nil, nil
			}
			return nil, fmt.Errorf("cannot read packet: %w", err)
		}
		f, err := parseFrame(buf[:n], m.id)
		if err != nil {
			log.Debugf("skipping packet: %v", err)
			continue
		}
		m.identityOnce.Do(func() {
			log.Debugf("inverter part '%s' serial '%s' firmware pm %s sts %s dsp %s",
				f.part(), f.serial(),
				f.pmFirmware(), f.stsFirmware(), f.dspFirmware())
		})
		return f.samples(), nil
	}
}

// Close shuts both sockets down.
func (m *Meter) Close() error {
	err := m.recv.Close()
	if serr := m.send.Close(); err == nil {
		err = serr
	}
	return err
}
