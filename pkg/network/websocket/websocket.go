package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/network"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	sendQueue      = 64
)

var ErrClosed = errors.New("websocket closed")

type WS struct {
	conn *deadlinedConn
	send chan []byte

	onMessage MessageHandler
	mu        sync.Mutex

	pingPong bool

	done      chan struct{}
	closeOnce sync.Once
	listen    sync.Once
	log       *logger.Logger
}

type MessageHandler func(message []byte, err error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
}

// NewServer upgrades an HTTP request into a websocket peer.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

// Dial connects to a websocket server.
func Dial(ctx context.Context, address string, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

func newSocket(conn *websocket.Conn, pingPong bool, log *logger.Logger) *WS {
	id := network.NewUid()
	return &WS{
		conn:     &deadlinedConn{sock: conn, wt: writeWait},
		send:     make(chan []byte, sendQueue),
		pingPong: pingPong,
		done:     make(chan struct{}),
		log:      log.Extend(log.With().Str("ws", id.Short())),
	}
}

func (ws *WS) Done() <-chan struct{} { return ws.done }

func (ws *WS) SetMessageHandler(fn MessageHandler) {
	ws.mu.Lock()
	ws.onMessage = fn
	ws.mu.Unlock()
}

// Listen starts the read and write pumps of the socket.
func (ws *WS) Listen() {
	ws.listen.Do(func() {
		go ws.writer()
		go ws.reader()
	})
}

// reader pumps messages from the websocket connection to the message handler.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer ws.shutdown()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(pongTime)); return nil })
			conn.SetPingHandler(func(data string) error {
				_ = conn.SetReadDeadline(time.Now().Add(pongTime))
				return ws.conn.write(websocket.PongMessage, []byte(data))
			})
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Warn().Err(err).Msg("WebSocket read fail")
			}
			return
		}
		ws.mu.Lock()
		handler := ws.onMessage
		ws.mu.Unlock()
		if handler != nil {
			handler(message, nil)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	var ping <-chan time.Time
	if ws.pingPong {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer ws.shutdown()
	for {
		select {
		case <-ws.done:
			return
		case message := <-ws.send:
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				ws.log.Warn().Err(err).Msg("WebSocket write fail")
				return
			}
		case <-ping:
			if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Write queues a message to send.
func (ws *WS) Write(data []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	select {
	case ws.send <- data:
		return nil
	case <-ws.done:
		return ErrClosed
	}
}

// Close says goodbye to the other side and closes the connection.
func (ws *WS) Close() {
	select {
	case <-ws.done:
		return
	default:
	}
	_ = ws.conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.shutdown()
}

func (ws *WS) shutdown() {
	ws.closeOnce.Do(func() {
		close(ws.done)
		_ = ws.conn.close()
		ws.log.Debug().Msg("WebSocket closed")
	})
}
