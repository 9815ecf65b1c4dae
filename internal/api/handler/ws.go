package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: обмежити налаштованими origin фронтенду, коли вони будуть відомі.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame будь-яке повідомлення, яке клієнт може надіслати через сокет.
type inboundFrame struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Typing      bool            `json:"typing,omitempty"`
	BuildingIDs []string        `json:"building_ids,omitempty"`
	Presence    json.RawMessage `json:"presence,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newErrorFrame(err error) errorFrame {
	return errorFrame{Type: "error", Error: err.Error()}
}

// wsPeer передає JSON фрейми між одним WebSocket з'єднанням і обробником.
type wsPeer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

func newPeer(conn *websocket.Conn, log *logrus.Entry) *wsPeer {
	return &wsPeer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// push ставить фрейм у чергу. Якщо клієнт не встигає, фрейми відкидаються.
func (p *wsPeer) push(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		p.log.WithError(err).Error("Error encoding frame")
		return
	}
	select {
	case <-p.done:
	case p.send <- data:
	default:
		p.log.Warn("Send buffer full, dropping frame")
	}
}

// serve запускає помпи та блокує, доки з'єднання не закриється.
func (p *wsPeer) serve(onFrame func(inboundFrame)) {
	go p.writePump()
	p.readPump(onFrame)
}

func (p *wsPeer) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *wsPeer) readPump(onFrame func(inboundFrame)) {
	defer func() {
		p.stop()
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.log.WithError(err).Warn("Error reading message")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			p.log.WithError(err).Debug("Error decoding frame")
			p.push(errorFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		onFrame(frame)
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
