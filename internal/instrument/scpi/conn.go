// Package scpi adapts the instrument interfaces onto SCPI-style instruments
// reached over a serial line. One Conn per instrument; commands are
// serialized behind a mutex because the hardware accepts one request at a
// time.
package scpi

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/nvlab-data/autochar/internal/monitoring"
)

// Conn is a line-oriented SCPI connection over a serial port.
type Conn struct {
	mu   sync.Mutex
	port serial.Port
	r    *bufio.Reader
	logf func(format string, v ...interface{})
}

// Dial opens the serial port at portName with 8N1 framing.
func Dial(portName string, baudRate int) (*Conn, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return &Conn{
		port: port,
		r:    bufio.NewReader(port),
		logf: monitoring.Prefixed("scpi " + portName),
	}, nil
}

// Send writes a command that expects no reply.
func (c *Conn) Send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(cmd)
}

// Ask writes a query and returns the single-line reply.
func (c *Conn) Ask(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(cmd); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

// AskFloat writes a query and parses the reply as a float.
func (c *Conn) AskFloat(cmd string) (float64, error) {
	reply, err := c.Ask(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("reply to %q not a number: %q", cmd, reply)
	}
	return v, nil
}

// AskFlags writes a query and parses a comma-separated list of 0/1 flags.
func (c *Conn) AskFlags(cmd string, n int) ([]bool, error) {
	reply, err := c.Ask(cmd)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(reply, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("reply to %q has %d fields, want %d: %q", cmd, len(parts), n, reply)
	}
	out := make([]bool, n)
	for i, p := range parts {
		out[i] = strings.TrimSpace(p) == "1"
	}
	return out, nil
}

// AskFloats writes a query and parses a comma-separated float list.
func (c *Conn) AskFloats(cmd string, n int) ([]float64, error) {
	reply, err := c.Ask(cmd)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(reply, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("reply to %q has %d fields, want %d: %q", cmd, len(parts), n, reply)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("reply to %q field %d not a number: %q", cmd, i, p)
		}
		out[i] = v
	}
	return out, nil
}

func (c *Conn) write(cmd string) error {
	if _, err := c.port.Write([]byte(cmd + "\n")); err != nil {
		c.logf("write %q failed: %v", cmd, err)
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// Close closes the serial port.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}
