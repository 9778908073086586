// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/exlink/pkg/session"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocket opens a serial line tunnelled over a WebSocket, one binary
// message per chunk of bytes, with HTTP Basic auth
type WebSocket struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
	DialTimeout   time.Duration
}

func (w WebSocket) String() string {
	return fmt.Sprintf("WebSocket: %s", w.URL)
}

// Open implements session.Opener
func (w WebSocket) Open() (session.Transport, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	timeout := w.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: w.SkipSSLVerify}
	}

	headers := http.Header{}
	if w.Username != "" && w.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(w.Username + ":" + w.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, w.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return newWSConn(conn), nil
}

// wsConn adapts a WebSocket to session.Transport. A WebSocket read deadline
// is fatal to the connection, so a pump goroutine owns the reads and Read
// waits on its channel instead.
type wsConn struct {
	conn    *websocket.Conn
	frames  chan []byte
	done    chan struct{}
	timeout time.Duration
	pending []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	// err is set by the pump before frames is closed
	err error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:   conn,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *wsConn) pump() {
	defer close(w.frames)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = err
			return
		}
		// Only binary messages carry line data
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case w.frames <- data:
		case <-w.done:
			w.err = ErrConnectionClosed
			return
		}
	}
}

func (w *wsConn) SetReadTimeout(t time.Duration) error {
	w.timeout = t
	return nil
}

// Read returns buffered bytes, or waits up to the read timeout for the next
// message. A timeout returns (0, nil).
func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.pending) == 0 {
		var timer <-chan time.Time
		if w.timeout > 0 {
			t := time.NewTimer(w.timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case data, ok := <-w.frames:
			if !ok {
				if w.err != nil {
					return 0, w.err
				}
				return 0, ErrConnectionClosed
			}
			w.pending = data
		case <-timer:
			return 0, nil
		case <-w.done:
			return 0, ErrConnectionClosed
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Buffered moves every message already received into the local buffer and
// reports its size
func (w *wsConn) Buffered() (int, error) {
	for {
		select {
		case data, ok := <-w.frames:
			if !ok {
				if len(w.pending) > 0 {
					return len(w.pending), nil
				}
				if w.err != nil {
					return 0, w.err
				}
				return 0, ErrConnectionClosed
			}
			w.pending = append(w.pending, data...)
		default:
			return len(w.pending), nil
		}
	}
}

func (w *wsConn) ResetInputBuffer() error {
	w.pending = nil
	for {
		select {
		case _, ok := <-w.frames:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (w *wsConn) ResetOutputBuffer() error {
	return nil
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}
