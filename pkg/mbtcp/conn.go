// Package mbtcp is the Modbus/TCP transport shared by the register
// based meter drivers. It owns connect, windowed register reads and the
// reconnect-once recovery both drivers rely on.
package mbtcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goburrow/modbus"
	probing "github.com/prometheus-community/pro-bing"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrConnect is returned when the meter cannot be reached.
	ErrConnect = errors.New("modbus connect failed")
	// ErrRead is returned when a register read failed even after the
	// single reconnect attempt.
	ErrRead = errors.New("modbus read failed")
)

// RegisterSource reads 16-bit holding registers from some device. The
// meter drivers depend on this interface so tests and the simulator can
// stand in for a live connection.
type RegisterSource interface {
	ReadRegisters(unit byte, addr, count uint16) ([]uint16, error)
	Close() error
}

// transport is the raw connection underneath Conn, separated out so the
// reconnect-once policy can be tested without a device.
type transport interface {
	connect() error
	read(unit byte, addr, count uint16) ([]byte, error)
	close() error
}

type tcpTransport struct {
	addr    string
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func (t *tcpTransport) connect() error {
	handler := modbus.NewTCPClientHandler(t.addr)
	handler.Timeout = 5 * time.Second
	if err := handler.Connect(); err != nil {
		handler.Close()
		return fmt.Errorf("%w: %s: %v", ErrConnect, t.addr, err)
	}
	t.handler = handler
	t.client = modbus.NewClient(handler)
	return nil
}

func (t *tcpTransport) read(unit byte, addr, count uint16) ([]byte, error) {
	t.handler.SlaveId = unit
	return t.client.ReadHoldingRegisters(addr, count)
}

func (t *tcpTransport) close() error {
	if t.handler == nil {
		return nil
	}
	err := t.handler.Close()
	t.handler = nil
	t.client = nil
	return err
}

// Conn is a Modbus/TCP connection with single-retry recovery.
type Conn struct {
	tr       transport
	pingHost string
}

// Dial resolves hostname to an IPv4 address and opens a Modbus/TCP
// connection to the given port.
func Dial(hostname string, port int) (*Conn, error) {
	ip, err := net.ResolveIPAddr("ip4", hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve '%s': %v",
			ErrConnect, hostname, err)
	}
	log.Debugf("meter %s resolved to %s", hostname, ip.String())
	c := &Conn{
		tr: &tcpTransport{
			addr: fmt.Sprintf("%s:%d", ip.String(), port),
		},
		pingHost: ip.String(),
	}
	if err := c.tr.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadRegisters reads count consecutive holding registers from the
// given unit. A failed read triggers one close-and-reopen of the
// connection followed by a single retry; a second failure is returned
// as ErrRead.
func (c *Conn) ReadRegisters(unit byte, addr, count uint16) ([]uint16, error) {
	raw, err := c.tr.read(unit, addr, count)
	if err == nil {
		return decode(raw, count)
	}
	log.Warnf("read of %d@%d unit %d failed (%v), reconnecting",
		count, addr, unit, err)
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	raw, err = c.tr.read(unit, addr, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %d@%d unit %d: %v",
			ErrRead, count, addr, unit, err)
	}
	return decode(raw, count)
}

// reconnect closes the connection, checks that the meter still answers
// pings and opens a fresh connection.
func (c *Conn) reconnect() error {
	if err := c.tr.close(); err != nil {
		log.Debugf("close before reconnect: %v", err)
	}
	if c.pingHost != "" {
		if err := probe(c.pingHost); err != nil {
			return fmt.Errorf("%w: %s unreachable: %v",
				ErrConnect, c.pingHost, err)
		}
	}
	return c.tr.connect()
}

// probe sends a single unprivileged ping.
func probe(host string) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return err
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errors.New("no ping response")
	}
	return nil
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	return c.tr.close()
}

func decode(raw []byte, count uint16) ([]uint16, error) {
	if len(raw) < 2*int(count) {
		return nil, fmt.Errorf("%w: short response: %d bytes for %d registers",
			ErrRead, len(raw), count)
	}
	registers := make([]uint16, count)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return registers, nil
}
