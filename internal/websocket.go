package internal

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何在單一持久連線上承載整個房間協議（建房、加入、對戰指令），
//   並把伺服器端的狀態變更即時推回去？
//
// 核心挑戰：
//   1. 連線生命週期：斷線必須觸發玩家移除與空房回收
//   2. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   3. 並發發送：廣播來自房間 goroutine，寫入只能由單一 goroutine 進行
//   4. 錯誤隔離：解碼錯誤只回覆發送者，不影響連線本身
//
// 設計方案：
//   - Hub 集中管理所有連線（關機時統一收尾）
//   - 每連線一讀一寫兩個 goroutine，寫入走緩衝 channel
//   - Ping/Pong 心跳（54s/60s，避開代理伺服器常見的 60s 超時）
//   - 入站指令經由 Manager 的會話註冊表路由到房間

const (
	writeWait    = 10 * time.Second // 單次寫入的期限
	pongWait     = 60 * time.Second // 收不到任何消息（含 Pong）就斷線
	pingInterval = 54 * time.Second // 比 pongWait 短，留網絡傳輸余量
	sendBuffer   = 256              // 每連線的發送緩衝
)

// Hub WebSocket 連線中心
type Hub struct {
	manager  *Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewHub 創建連線中心
func NewHub(manager *Manager, logger *slog.Logger) *Hub {
	return &Hub{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應該檢查來源
				return true
			},
		},
		conns: make(map[*Connection]struct{}),
	}
}

// Connection 一條客戶端連線
//
// 實作 Sink：房間廣播經由 Enqueue 進入 send 緩衝，
// 由 writePump 單一 goroutine 實際寫入 socket。
// done 只用於通知關閉；send 永遠不 close，
// 避免房間廣播與連線關閉競爭時 send on closed channel。
type Connection struct {
	hub  *Hub
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// Enqueue 非阻塞投遞一則出站消息
//
// 連線已關閉或緩衝已滿時回傳 false，消息被丟棄。
func (c *Connection) Enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// ServeWS 處理 WebSocket 升級
//
// 連線建立時不帶任何身分：第一個 create_room / join_room
// 事件才把連線綁定到房間。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	hub.add(c)

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連線建立", "remote", r.RemoteAddr)
}

func (hub *Hub) add(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.conns[c] = struct{}{}
}

func (hub *Hub) remove(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.conns, c)
}

// Stop 關閉所有連線
func (hub *Hub) Stop() {
	hub.mu.Lock()
	conns := make([]*Connection, 0, len(hub.conns))
	for c := range hub.conns {
		conns = append(conns, c)
	}
	hub.conns = make(map[*Connection]struct{})
	hub.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	hub.logger.Info("WebSocket Hub 已停止")
}

// close 關閉連線（冪等）
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump 讀取並分發客戶端事件
//
// 讀取端的心跳：60 秒內沒有任何消息（包括 Pong）就視為死連接。
// 退出時觸發完整的斷線清理：玩家從房間移除、空房回收。
func (c *Connection) readPump() {
	defer func() {
		c.hub.remove(c)
		c.hub.manager.RemoveConnection(c)
		c.close()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤", "error", err)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 發送端的心跳：每 54 秒一個 Ping。54 而非整數 60，
// 是為了在代理伺服器常見的 60 秒超時前送達，留 6 秒余量。
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// 優雅關閉：嘗試送出關閉幀，忽略錯誤
			deadline := time.Now().Add(time.Second)
			if err := c.conn.SetWriteDeadline(deadline); err == nil {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量送出隊列中累積的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 分發一則客戶端事件
//
// 路由契約：
//   - create_room / join_room 綁定連線與房間
//   - 其餘指令經會話註冊表路由到連線所屬房間；
//     尚未加入房間的連線送來的指令靜默丟棄
//   - 解碼錯誤與路由錯誤只回覆發送者（error 事件），絕不廣播
func (c *Connection) handleMessage(message []byte) {
	event, err := DecodeClientEvent(message)
	if err != nil {
		c.hub.logger.Warn("無效的客戶端事件", "error", err)
		c.Enqueue(EncodeError(err.Error()))
		return
	}

	switch event.Type {
	case EventCreateRoom:
		room, player := c.hub.manager.CreateRoom(event.Nickname, c)
		c.hub.logger.Debug("連線創建房間",
			"room_id", room.ID,
			"player_id", player.ID)

	case EventJoinRoom:
		if _, _, err := c.hub.manager.JoinRoom(event.RoomID, event.Nickname, c); err != nil {
			c.Enqueue(EncodeError(err.Error()))
		}

	case EventLeaveRoom:
		c.hub.manager.RemoveConnection(c)

	default:
		room, ok := c.hub.manager.RoomOf(c)
		if !ok {
			c.hub.logger.Debug("丟棄無房間連線的指令", "type", event.Type)
			return
		}

		switch event.Type {
		case EventUpdateCode:
			room.UpdateCode(c, event.CodeText)
		case EventSetReady:
			room.SetReady(c, event.IsReady)
		case EventSubmitSolution:
			room.SubmitSolution(c, event.CodeText)
		case EventRunCode:
			room.RunCode(c, event.CodeText)
		}
	}
}
