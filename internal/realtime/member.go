package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait はピアへの1回の書き込みに許す時間。
	writeWait = 10 * time.Second

	// pongWait はピアからの次のpongを待つ時間。
	pongWait = 60 * time.Second

	// pingPeriod はpingの送信間隔。pongWaitより短くする。
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize はピアから受け付ける最大メッセージサイズ。
	// クライアントからの書き込みは受け付けないため小さくてよい。
	maxMessageSize = 512
)

// WSMember はWebSocket接続をルームメンバーとして扱う。
// ルームイベントは送信専用で、クライアントからのデータメッセージは読み捨てる。
type WSMember struct {
	conn   *websocket.Conn
	userID string
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewWSMember はWSMemberを生成する。bufferSizeは送信キューの長さ。
func NewWSMember(conn *websocket.Conn, userID string, bufferSize int, logger *slog.Logger) *WSMember {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &WSMember{
		conn:   conn,
		userID: userID,
		logger: logger,
		send:   make(chan []byte, bufferSize),
	}
}

// Send はメッセージを送信キューに積む。満杯またはClose済みの場合はfalseを返す。
func (m *WSMember) Send(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	select {
	case m.send <- msg:
		return true
	default:
		return false
	}
}

// Close は送信キューを閉じる。writePumpはcloseフレームを送って終了する。
func (m *WSMember) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.send)
}

// Serve はメンバーをルームに参加させ、接続が切れるまでブロックする。
// 終了時にルームから外れる。
func (m *WSMember) Serve(hub *Hub, creatorID string) error {
	if _, err := hub.Join(creatorID, m); err != nil {
		m.conn.Close()
		return err
	}

	go m.writePump()
	m.readPump()

	hub.Leave(creatorID, m)
	m.Close()
	return nil
}

// readPump は接続の生存確認のためだけに読み続ける。切断されると戻る。
func (m *WSMember) readPump() {
	defer m.conn.Close()

	m.conn.SetReadLimit(maxMessageSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := m.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("WebSocketの読み込みに失敗しました",
					slog.String("user_id", m.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// writePump は送信キューのメッセージをWebSocketに書き込み、定期的にpingを送る。
func (m *WSMember) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.logger.Warn("WebSocketへの書き込みに失敗しました",
					slog.String("user_id", m.userID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ Member = (*WSMember)(nil)
