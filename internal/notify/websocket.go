package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"rubintv/services/backend/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

var validate = validator.New()

// Frame is an inbound client message: {"clientID": "<uuid>", "message": "<service> <path>"}.
type Frame struct {
	ClientID string `json:"clientID" validate:"required,uuid"`
	Message  string `json:"message" validate:"required,max=512"`
}

type handshake struct {
	ClientID string `json:"clientID"`
}

// WSTransport adapts a websocket connection to Transport. Sends are queued and written by a
// single write pump so Publish never blocks on a slow socket.
type WSTransport struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (t *WSTransport) Send(message []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.send <- message:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case message := <-t.send:
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Debug().Err(err).Msg("websocket write failed")
				_ = t.Close()
				return
			}

		case <-ticker.C:
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}

		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ServeWebsocket registers conn, sends the client its id and runs the read loop until the peer
// disconnects or ctx ends. The client is unregistered on return.
func (r *Registry) ServeWebsocket(ctx context.Context, conn *websocket.Conn) {
	transport := NewWSTransport(conn)
	id := r.Register(transport)
	defer r.Unregister(id)

	go transport.writePump()

	greeting, err := json.Marshal(handshake{ClientID: id})
	if err == nil {
		err = transport.Send(greeting)
	}
	if err != nil {
		logging.Warn().Err(err).Str("client_id", id).Msg("send websocket handshake")
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = transport.Close()
		case <-transport.done:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("client_id", id).Msg("unexpected websocket close")
			}
			return
		}
		if err := r.HandleFrame(ctx, id, payload); err != nil {
			logging.Debug().Err(err).Str("client_id", id).Msg("rejected client frame")
		}
	}
}

// HandleFrame validates an inbound frame from clientID, subscribes it to the requested service
// and runs the subscribe hooks.
func (r *Registry) HandleFrame(ctx context.Context, clientID string, payload []byte) error {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if err := validate.Struct(frame); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	if frame.ClientID != clientID {
		return fmt.Errorf("%w: frame claims %s", ErrUnknownClient, frame.ClientID)
	}

	key, err := ParseServiceKey(frame.Message)
	if err != nil {
		return err
	}
	if err := r.Subscribe(clientID, key); err != nil {
		return err
	}

	logging.Debug().Str("client_id", clientID).Str("service", key.String()).Msg("client subscribed")
	r.runHooks(ctx, clientID, key)
	return nil
}
