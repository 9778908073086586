// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Thermoquad/exlink/pkg/session"
)

// TCP opens a raw socket to a serial device server that passes bytes
// through unchanged
type TCP struct {
	Address     string
	DialTimeout time.Duration
}

func (t TCP) String() string {
	return fmt.Sprintf("TCP: %s", t.Address)
}

// Open implements session.Opener
func (t TCP) Open() (session.Transport, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", t.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.Address, err)
	}
	return &tcpConn{conn: conn}, nil
}

type tcpConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *tcpConn) SetReadTimeout(t time.Duration) error {
	c.timeout = t
	return nil
}

// Read maps an expired deadline to (0, nil), like a serial port
func (c *tcpConn) Read(p []byte) (int, error) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (c *tcpConn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// ResetInputBuffer discards whatever the server has already delivered
func (c *tcpConn) ResetInputBuffer() error {
	buf := make([]byte, 256)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := c.conn.Read(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) || n == 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *tcpConn) ResetOutputBuffer() error {
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
