// Package ws carries peer sessions over gorilla websockets.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	DefaultSendBuffer = 512
)

var (
	ErrSlowConsumer = errors.New("peer send buffer full")
	ErrClosed       = errors.New("peer closed")
)

// Peer adapts a websocket connection to the room's Sink and Source.
type Peer struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewPeer(conn *websocket.Conn, sendBuffer int) *Peer {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &Peer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Send queues msg for the write pump without blocking.
func (p *Peer) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which sends a close frame and closes the
// connection. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.send)
	}
	return nil
}

// Recv reads the next binary frame. Cancelling ctx closes the connection.
func (p *Peer) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	for {
		kind, message, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return message, nil
		}
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := p.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
