package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// roomIDAlphabet 房間代碼字元集
//
// 去掉視覺上容易混淆的 I、1、O、0。長度 32 整除 256，
// 逐位元組取模不會引入偏差。
const roomIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomIDLength = 4

// ManagerConfig 管理器設定
//
// 零值欄位會以預設值補齊，測試只需要覆寫在意的部分。
type ManagerConfig struct {
	Room   RoomConfig
	Tasks  TaskSource
	Runner CodeRunner
}

// Manager 房間管理器
//
// 兩張映射表是整個服務唯一被任意連線 goroutine 併發觸碰的共享結構：
//   - rooms：房間代碼（大寫）→ 房間
//   - sessions：連線 → 房間代碼（會話註冊表，讓傳輸層
//     不用自己記連線屬於哪個房間就能路由入站指令）
//
// 兩者都由 mu 保護；房間內部狀態則由各房間自己的鎖串行化，
// 管理器不碰。沒有行程級單例：每個伺服器實例建一個管理器，
// 測試各自建各自的。
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions map[Sink]string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 創建房間管理器
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.Room.TickInterval <= 0 {
		cfg.Room = DefaultRoomConfig()
	}
	if cfg.Tasks == nil {
		cfg.Tasks = NewMemoryTaskRepo()
	}
	if cfg.Runner == nil {
		cfg.Runner = StubRunner{}
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		rooms:    make(map[string]*Room),
		sessions: make(map[Sink]string),
		stopCh:   make(chan struct{}),
	}

	// 啟動清理 goroutine
	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// CreateRoom 創建房間並把主機加為第一個玩家
//
// 代碼不做碰撞檢查：後創建的房間會靜默覆蓋同碼的舊映射。
func (m *Manager) CreateRoom(nickname string, sink Sink) (*Room, Player) {
	roomID := m.generateRoomID()
	room := NewRoom(roomID, m.cfg.Room, m.cfg.Tasks, m.cfg.Runner, m.logger)

	m.mu.Lock()
	m.rooms[roomID] = room
	m.sessions[sink] = roomID
	m.mu.Unlock()

	player := room.AddPlayer(nickname, sink)

	m.logger.Info("房間已創建",
		"room_id", roomID,
		"nickname", nickname)

	return room, player
}

// JoinRoom 加入既有房間
//
// 查找不分大小寫（代碼一律轉大寫）。沒有人數上限。
func (m *Manager) JoinRoom(roomID, nickname string, sink Sink) (*Room, Player, error) {
	code := strings.ToUpper(roomID)

	m.mu.RLock()
	room, exists := m.rooms[code]
	m.mu.RUnlock()
	if !exists {
		return nil, Player{}, fmt.Errorf("房間不存在: %s", roomID)
	}

	m.mu.Lock()
	m.sessions[sink] = code
	m.mu.Unlock()

	player := room.AddPlayer(nickname, sink)

	m.logger.Info("玩家加入房間",
		"room_id", code,
		"nickname", nickname)

	return room, player, nil
}

// RoomOf 解析連線目前所屬的房間（入站指令的路由查找）
func (m *Manager) RoomOf(sink Sink) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.sessions[sink]
	if !ok {
		return nil, false
	}
	room, ok := m.rooms[code]
	return room, ok
}

// GetRoom 以代碼取得房間（不分大小寫）
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, exists := m.rooms[strings.ToUpper(roomID)]
	if !exists {
		return nil, fmt.Errorf("房間不存在: %s", roomID)
	}
	return room, nil
}

// RemoveConnection 把連線對應的玩家從所有房間移除
//
// 連線理論上最多屬於一個房間，但演算法不依賴這個假設：
// 逐一掃描所有房間，移除後變空的房間立即回收並取消其階段迴圈。
// 連線不在任何房間時是安全的 no-op。
func (m *Manager) RemoveConnection(sink Sink) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	for _, room := range rooms {
		removed, remaining := room.RemovePlayer(sink)
		if removed && remaining == 0 {
			room.Close("empty")
			m.removeRoom(room.ID)
		}
	}

	m.mu.Lock()
	delete(m.sessions, sink)
	m.mu.Unlock()
}

// removeRoom 從註冊表移除房間
func (m *Manager) removeRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[roomID]; !exists {
		return
	}
	delete(m.rooms, roomID)

	m.logger.Info("房間已移除", "room_id", roomID)
}

// cleanupLoop 定期清理過期房間
//
// 空房間在最後一個玩家離開時就會被回收；這裡處理的是
// 剩餘情況（結束後閒置的 RESULT 房間、已關閉的房間）。
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行一次清理（公開方法供測試使用）
func (m *Manager) Cleanup() {
	m.cleanup()
}

func (m *Manager) cleanup() {
	m.mu.RLock()
	var toRemove []*Room
	for _, room := range m.rooms {
		if room.IsExpired() {
			toRemove = append(toRemove, room)
		}
	}
	m.mu.RUnlock()

	for _, room := range toRemove {
		room.Close("expired")
		m.removeRoom(room.ID)
		m.logger.Info("房間已過期清理", "room_id", room.ID)
	}
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statusCount := make(map[GameStatus]int)
	totalPlayers := 0
	for _, room := range m.rooms {
		statusCount[room.Status()]++
		totalPlayers += room.PlayerCount()
	}

	return map[string]any{
		"total_rooms":   len(m.rooms),
		"total_players": totalPlayers,
		"by_status":     statusCount,
	}
}

// Stop 停止管理器並關閉所有房間
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[string]*Room)
	m.sessions = make(map[Sink]string)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close("server_shutdown")
	}

	m.logger.Info("房間管理器已停止")
}

// generateRoomID 生成 4 字元房間代碼
func (m *Manager) generateRoomID() string {
	b := make([]byte, roomIDLength)
	if _, err := rand.Read(b); err != nil {
		// 隨機讀取失敗時退回時間戳
		ts := time.Now().UnixNano()
		for i := range b {
			b[i] = roomIDAlphabet[int(ts>>(i*5))%len(roomIDAlphabet)]
		}
		return string(b)
	}
	for i := range b {
		b[i] = roomIDAlphabet[int(b[i])%len(roomIDAlphabet)]
	}
	return string(b)
}
