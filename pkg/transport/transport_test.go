// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

// ackServer acknowledges every seven byte frame it receives
func ackServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				frame := make([]byte, exlink.CommandFrameSize)
				for {
					if _, err := io.ReadFull(c, frame); err != nil {
						return
					}
					if _, err := c.Write(exlink.AckFrame()); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTCP_ReadTimeoutIsEmptyRead(t *testing.T) {
	addr := ackServer(t)
	port, err := TCP{Address: addr}.Open()
	require.NoError(t, err)
	defer port.Close()

	require.NoError(t, port.SetReadTimeout(20*time.Millisecond))
	buf := make([]byte, 3)
	n, err := port.Read(buf)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestTCP_SessionRoundTrip(t *testing.T) {
	addr := ackServer(t)
	mgr := session.NewManager(exlink.DefaultRegistry())
	sess, err := mgr.Activate("tcp", TCP{Address: addr})
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	assert.NoError(t, sess.PressButton(context.Background(), "MENU"))
}

func TestTCP_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = TCP{Address: addr, DialTimeout: 100 * time.Millisecond}.Open()
	assert.Error(t, err)
}

func echoWebSocket(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// split the echo in two messages
			if err := conn.WriteMessage(mt, data[:1]); err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data[1:]); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_ReadWrite(t *testing.T) {
	port, err := WebSocket{URL: echoWebSocket(t)}.Open()
	require.NoError(t, err)
	defer port.Close()

	require.NoError(t, port.SetReadTimeout(time.Second))
	_, err = port.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	got := make([]byte, 0, 3)
	buf := make([]byte, 3)
	for len(got) < 3 {
		n, err := port.Read(buf)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)

	require.NoError(t, port.SetReadTimeout(20*time.Millisecond))
	n, err := port.Read(buf)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebSocket_BufferedAndReset(t *testing.T) {
	port, err := WebSocket{URL: echoWebSocket(t)}.Open()
	require.NoError(t, err)
	defer port.Close()

	_, err = port.Write([]byte{0xAA, 0xBB})
	require.NoError(t, err)

	b, ok := port.(session.Buffered)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		n, err := b.Buffered()
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, port.ResetInputBuffer())
	n, err := b.Buffered()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebSocket_ClosedRead(t *testing.T) {
	port, err := WebSocket{URL: echoWebSocket(t)}.Open()
	require.NoError(t, err)
	require.NoError(t, port.Close())
	require.NoError(t, port.Close())

	_, err = port.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestWebSocket_BadScheme(t *testing.T) {
	_, err := WebSocket{URL: "http://example.invalid/line"}.Open()
	assert.ErrorContains(t, err, "unsupported URL scheme")
}

func TestSerial_String(t *testing.T) {
	assert.Equal(t, "Serial: /dev/ttyUSB0 @ 9600 baud", Serial{Port: "/dev/ttyUSB0"}.String())
}
