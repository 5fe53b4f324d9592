package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/char5742/stickkeys/internal/remap"
)

// イベントの種類
const (
	EventKey      = "key"
	EventCaptured = "captured"
)

// Event はWebSocketで配信するイベント
type Event struct {
	Type      string                `json:"type"`
	Direction string                `json:"direction,omitempty"`
	Identity  *remap.DeviceIdentity `json:"identity,omitempty"`
	Time      time.Time             `json:"time"`
}

// EventHub はイベントを購読者に配信する
// 受信が追いつかない購読者へのイベントは捨てる
type EventHub struct {
	mutex       sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewEventHub は新しいEventHubを作成する
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe はイベントを受け取るチャネルと購読解除関数を返す
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	h.mutex.Lock()
	h.subscribers[ch] = struct{}{}
	h.mutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mutex.Lock()
			delete(h.subscribers, ch)
			h.mutex.Unlock()
			close(ch)
		})
	}
}

// Publish はすべての購読者にイベントを送る
func (h *EventHub) Publish(ev Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// ローカル専用のツールなのですべてのオリジンを許可する
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveEvents はイベントをWebSocketで配信する
func serveEvents(hub *EventHub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	// 接続直後のイベントを取りこぼさないよう先に購読する
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocketへの切り替えに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	// クライアントからの切断を検出する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(50 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
