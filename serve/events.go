package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"vrcap/notify"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// Notifications buffered per client before new ones are dropped.
	clientBacklog = 8
)

var ErrStreamClosed = errors.New("event stream closed")

// EventStream pushes lifecycle notifications to websocket clients as JSON.
type EventStream struct {
	upgrader websocket.Upgrader
	clients  map[chan []byte]*log.Entry
	addc     chan client
	delc     chan chan []byte
	notify   chan []byte
	quit     chan struct{}
}

type client struct {
	c   chan []byte
	log *log.Entry
}

func NewEventStream() *EventStream {
	m := &EventStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[chan []byte]*log.Entry),
		addc:    make(chan client),
		delc:    make(chan chan []byte),
		notify:  make(chan []byte),
		quit:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *EventStream) run() {
	for {
		select {
		case cl := <-m.addc:
			m.clients[cl.c] = cl.log
		case c := <-m.delc:
			delete(m.clients, c)
		case msg := <-m.notify:
			for c, clog := range m.clients {
				select {
				case c <- msg:
				default:
					clog.Warn("Event stream client is behind, dropping notification")
				}
			}
		case <-m.quit:
			return
		}
	}
}

// Close stops fan-out. Connected clients see no further events.
func (m *EventStream) Close() {
	close(m.quit)
}

// Notify implements notify.NotifyListener.
func (m *EventStream) Notify(n *notify.Notification) error {
	js, err := json.Marshal(n)
	if err != nil {
		return err
	}
	select {
	case m.notify <- js:
		return nil
	case <-m.quit:
		return ErrStreamClosed
	}
}

func (m *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for event stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *EventStream) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to event stream")
	defer func() {
		ws.Close()
		clog.Info("disconnected from event stream")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	notifyc := make(chan []byte, clientBacklog)
	select {
	case m.addc <- client{c: notifyc, log: clog}:
	case <-m.quit:
		return
	}
	defer func() {
		select {
		case m.delc <- notifyc:
		case <-m.quit:
		}
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-notifyc:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		case <-m.quit:
			return
		}
	}
}
