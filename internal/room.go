package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 系統設計問題：
//   如何讓多個玩家在同一個房間內進行限時的程式對戰，並即時同步權威狀態？
//
// 核心挑戰：
//   1. 狀態管理：房間有時間驅動的狀態轉換（waiting → countdown → battle → result）
//   2. 並發控制：多個連線同時操作（加入、準備、改程式碼、交卷）
//   3. 實時通信：每次變更後把完整快照推給所有玩家
//   4. 生命週期：階段迴圈是獨立的 goroutine，房間被回收時必須一併取消
//
// 設計方案：
//   - 有限狀態機（FSM）- 規範狀態轉換，快照即協議格式
//   - RWMutex - 單一房間內所有讀改寫串行化（狀態沒有版本欄位，不能走樂觀並發）
//   - 每房間一個階段 goroutine - 由房間自己的 context 控制取消
//   - Sink 介面 - 廣播目標抽象，單一連線的失敗不影響其他連線

// GameStatus 房間狀態
//
// 字串值同時是線上協議的序列化格式，不可更動。
//
// 狀態轉換：
//
//	WAITING → COUNTDOWN → BATTLE → RESULT
//
// 轉換規則：
//   - WAITING → COUNTDOWN：房間非空且所有玩家都已準備
//   - COUNTDOWN → BATTLE：倒數 3、2、1 結束
//   - BATTLE → RESULT：時間歸零，或所有玩家都已交卷
//
// RESULT 是終態；回到 WAITING 只能由客戶端離開後重新創建/加入。
type GameStatus string

const (
	StatusWaiting   GameStatus = "WAITING"
	StatusCountdown GameStatus = "COUNTDOWN"
	StatusBattle    GameStatus = "BATTLE"
	StatusAnalyzing GameStatus = "ANALYZING" // 協議保留狀態，目前沒有任何轉換會進入
	StatusResult    GameStatus = "RESULT"
)

// Player 玩家資訊
//
// score 目前只寫不讀：計分由協議宣告，但核心不會計算（由外部協作者負責）。
type Player struct {
	ID            string  `json:"id"`
	Nickname      string  `json:"nickname"`
	Score         int     `json:"score"`
	CodeText      string  `json:"codeText"`
	IsReady       bool    `json:"isReady"`
	IsFinished    bool    `json:"isFinished"`
	LastRunOutput *string `json:"lastRunOutput,omitempty"`
}

// GameState 房間快照（每次變更後整份廣播）
type GameState struct {
	RoomID               string     `json:"roomId"`
	Status               GameStatus `json:"status"`
	Players              []Player   `json:"players"`
	TaskText             string     `json:"taskText"`
	TimeRemainingSeconds int        `json:"timeRemainingSeconds"`
}

// Sink 廣播目標
//
// WebSocket 連線實作此介面。Enqueue 必須是非阻塞的：
// 緩衝區滿或連線已關閉時回傳 false，呼叫端記錄後丟棄，
// 慢速或斷線的客戶端不能拖住整個房間。
type Sink interface {
	Enqueue(message []byte) bool
}

// RoomConfig 房間時間參數
//
// 測試用快速 tick 驗證整個階段迴圈，正式環境用預設值。
type RoomConfig struct {
	TickInterval     time.Duration // 一個時間單位的長度
	CountdownSeconds int           // 開戰倒數秒數
	BattleSeconds    int           // 對戰時長（秒）
}

// DefaultRoomConfig 預設時間參數
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		TickInterval:     time.Second,
		CountdownSeconds: 3,
		BattleSeconds:    60,
	}
}

const (
	resultRoomTTL = 10 * time.Minute // RESULT 狀態的房間閒置多久後回收
	emptyRoomTTL  = 5 * time.Minute  // 空房間閒置多久後回收（正常情況會立即回收，這是保險）
)

// Room 對戰房間
//
// 並發模型：
//   - 所有狀態變更（玩家操作與階段迴圈）都在 mu 寫鎖下進行，
//     單一房間內的讀改寫完全串行化
//   - 廣播在讀鎖下取快照，鎖外送出，不會看到撕裂的狀態
//   - 房間之間完全獨立，沒有跨房間的順序保證
//
// players 是有序切片（插入順序 = 加入順序），
// 另外維護 playerID ↔ Sink 的雙向索引，移除是 O(1) 查找而非掃描。
type Room struct {
	ID string

	cfg    RoomConfig
	tasks  TaskSource
	runner CodeRunner
	logger *slog.Logger

	mu            sync.RWMutex
	status        GameStatus
	players       []*Player
	taskText      string
	timeRemaining int
	closed        bool

	sinks   map[string]Sink // playerID -> 連線
	sinkIDs map[Sink]string // 連線 -> playerID

	createdAt  time.Time
	lastActive time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewRoom 創建房間
func NewRoom(id string, cfg RoomConfig, tasks TaskSource, runner CodeRunner, logger *slog.Logger) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Room{
		ID:         id,
		cfg:        cfg,
		tasks:      tasks,
		runner:     runner,
		logger:     logger,
		status:     StatusWaiting,
		players:    make([]*Player, 0, 2),
		sinks:      make(map[string]Sink),
		sinkIDs:    make(map[Sink]string),
		createdAt:  now,
		lastActive: now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// AddPlayer 加入玩家
//
// 沒有容量上限，回傳玩家資料的副本。
func (r *Room) AddPlayer(nickname string, sink Sink) Player {
	r.mu.Lock()

	player := &Player{
		ID:       uuid.New().String(),
		Nickname: nickname,
	}
	r.players = append(r.players, player)
	r.sinks[player.ID] = sink
	r.sinkIDs[sink] = player.ID
	r.touchLocked()

	snapshot := *player
	r.mu.Unlock()

	r.broadcastState()
	return snapshot
}

// RemovePlayer 移除連線對應的玩家
//
// 連線不在房間內時是安全的 no-op（不廣播）。
// 回傳是否有移除，以及剩餘玩家數，呼叫端據此決定是否回收房間。
func (r *Room) RemovePlayer(sink Sink) (removed bool, remaining int) {
	r.mu.Lock()

	playerID, ok := r.sinkIDs[sink]
	if !ok {
		remaining = len(r.players)
		r.mu.Unlock()
		return false, remaining
	}

	delete(r.sinkIDs, sink)
	delete(r.sinks, playerID)
	for i, p := range r.players {
		if p.ID == playerID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			break
		}
	}
	r.touchLocked()

	remaining = len(r.players)
	r.mu.Unlock()

	r.broadcastState()
	return true, remaining
}

// UpdateCode 覆寫玩家的程式碼
//
// 最後寫入獲勝，沒有任何衝突解決；每次呼叫都廣播整份快照
// （不做去抖動，是刻意的簡單性取捨）。
func (r *Room) UpdateCode(sink Sink, codeText string) {
	r.mu.Lock()
	player := r.playerBySinkLocked(sink)
	if player == nil {
		r.mu.Unlock()
		return
	}
	player.CodeText = codeText
	r.touchLocked()
	r.mu.Unlock()

	r.broadcastState()
}

// SetReady 設置準備狀態
//
// 先廣播旗標變更，再原子地評估開戰條件：
// 狀態為 WAITING、房間非空、所有玩家都已準備 → 進入 COUNTDOWN。
// 條件檢查與狀態轉換在同一個寫鎖內完成，兩個併發的 SetReady
// 只會有一個觸發倒數。
func (r *Room) SetReady(sink Sink, isReady bool) {
	r.mu.Lock()
	player := r.playerBySinkLocked(sink)
	if player == nil {
		r.mu.Unlock()
		return
	}
	player.IsReady = isReady
	r.touchLocked()
	r.mu.Unlock()

	r.broadcastState()
	r.maybeStartBattle()
}

// SubmitSolution 交卷
//
// 只記錄程式碼並標記完成，不評判對錯；
// 若對戰中所有玩家都已交卷，提前進入 RESULT。
func (r *Room) SubmitSolution(sink Sink, codeText string) {
	r.mu.Lock()
	player := r.playerBySinkLocked(sink)
	if player == nil {
		r.mu.Unlock()
		return
	}
	player.CodeText = codeText
	player.IsFinished = true

	if r.status == StatusBattle && r.allFinishedLocked() {
		r.status = StatusResult
	}
	r.touchLocked()
	r.mu.Unlock()

	r.broadcastState()
}

// RunCode 轉發試跑請求給外部執行服務
//
// 核心不執行任何程式碼。回應先以 run_result 單獨送給發起者，
// 再寫入 lastRunOutput 並廣播快照：試跑輸出會隨快照同步給整個
// 房間，對手也能在快照裡看到。
func (r *Room) RunCode(sink Sink, codeText string) {
	r.mu.RLock()
	playerID, ok := r.sinkIDs[sink]
	r.mu.RUnlock()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
		defer cancel()

		output, err := r.runner.Run(ctx, codeText)
		if err != nil {
			r.logger.Warn("執行程式碼失敗",
				"room_id", r.ID,
				"player_id", playerID,
				"error", err)
			sink.Enqueue(EncodeError(err.Error()))
			return
		}

		sink.Enqueue(EncodeRunResult(output))

		r.mu.Lock()
		if player := r.playerByIDLocked(playerID); player != nil {
			out := output
			player.LastRunOutput = &out
		}
		r.touchLocked()
		r.mu.Unlock()

		r.broadcastState()
	}()
}

// maybeStartBattle 評估開戰條件，滿足時進入倒數並啟動階段迴圈
func (r *Room) maybeStartBattle() {
	r.mu.Lock()
	if r.status != StatusWaiting || len(r.players) == 0 {
		r.mu.Unlock()
		return
	}
	for _, p := range r.players {
		if !p.IsReady {
			r.mu.Unlock()
			return
		}
	}

	r.status = StatusCountdown
	r.timeRemaining = r.cfg.CountdownSeconds
	r.touchLocked()
	r.mu.Unlock()

	r.broadcastState()
	go r.phaseLoop()
}

// phaseLoop 階段迴圈
//
// 每個房間最多啟動一次（由 maybeStartBattle 的 WAITING 檢查保證）。
// 所有等待點都會響應房間 context 的取消：房間被回收時迴圈立即結束，
// 不會留下孤兒 goroutine 繼續滴答。
//
// 時序：
//  1. 進入 COUNTDOWN 時已廣播 timeRemaining=3
//  2. 每個 tick 廣播 2、1（每個數值恰好一次）
//  3. 抽題、進入 BATTLE、種入範本、廣播
//  4. 每個 tick 遞減並廣播，直到歸零或外部轉換
//  5. 時間歸零且仍在 BATTLE → RESULT
func (r *Room) phaseLoop() {
	// 倒數（第一個數值已在進入 COUNTDOWN 時廣播）
	for i := r.cfg.CountdownSeconds - 1; i >= 0; i-- {
		if !r.wait() {
			return
		}
		if i > 0 {
			r.mu.Lock()
			r.timeRemaining = i
			r.mu.Unlock()
			r.broadcastState()
		}
	}

	task, err := r.tasks.RandomTask(r.ctx)
	if err != nil {
		r.logger.Error("取得題目失敗，取消對戰",
			"room_id", r.ID,
			"error", err)
		r.mu.Lock()
		r.status = StatusWaiting
		r.timeRemaining = 0
		for _, p := range r.players {
			p.IsReady = false
		}
		r.mu.Unlock()
		r.broadcastState()
		return
	}

	// 開戰：種入題目與程式碼範本
	r.mu.Lock()
	r.status = StatusBattle
	r.taskText = task.RenderText()
	r.timeRemaining = r.cfg.BattleSeconds
	for _, p := range r.players {
		p.CodeText = task.TemplateCode
	}
	r.touchLocked()
	r.mu.Unlock()

	r.logger.Info("對戰開始",
		"room_id", r.ID,
		"task", task.Title,
		"battle_seconds", r.cfg.BattleSeconds)

	r.broadcastState()

	// 對戰計時
	for {
		r.mu.RLock()
		running := r.status == StatusBattle && r.timeRemaining > 0
		r.mu.RUnlock()
		if !running {
			break
		}

		if !r.wait() {
			return
		}

		r.mu.Lock()
		if r.status != StatusBattle {
			r.mu.Unlock()
			break
		}
		r.timeRemaining--
		r.mu.Unlock()

		r.broadcastState()
	}

	// 時間歸零才由迴圈收尾；提前交卷的轉換已經廣播過
	r.mu.Lock()
	timedOut := r.status == StatusBattle
	if timedOut {
		r.status = StatusResult
	}
	r.mu.Unlock()

	if timedOut {
		r.logger.Info("對戰時間到", "room_id", r.ID)
		r.broadcastState()
	}
}

// wait 等待一個時間單位，房間被取消時回傳 false
func (r *Room) wait() bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(r.cfg.TickInterval):
		return true
	}
}

// broadcastState 序列化目前快照並送往所有連線
//
// 讀鎖下取快照與目標清單，鎖外送出。Enqueue 非阻塞，
// 單一連線的失敗只記錄、不傳播，也不影響其他連線。
func (r *Room) broadcastState() {
	r.mu.RLock()
	state := r.snapshotLocked()
	targets := make([]Sink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		targets = append(targets, sink)
	}
	r.mu.RUnlock()

	payload, err := EncodeGameState(state)
	if err != nil {
		r.logger.Error("序列化房間快照失敗", "room_id", r.ID, "error", err)
		return
	}

	for _, sink := range targets {
		if !sink.Enqueue(payload) {
			r.logger.Warn("連線緩衝區已滿，丟棄狀態更新", "room_id", r.ID)
		}
	}
}

// Snapshot 取得目前快照
func (r *Room) Snapshot() GameState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// snapshotLocked 組快照（需持有讀鎖）
func (r *Room) snapshotLocked() GameState {
	players := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, *p)
	}
	return GameState{
		RoomID:               r.ID,
		Status:               r.status,
		Players:              players,
		TaskText:             r.taskText,
		TimeRemainingSeconds: r.timeRemaining,
	}
}

// Status 取得目前狀態
func (r *Room) Status() GameStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CreatedAt 取得創建時間
func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// PlayerCount 取得玩家數量
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// Close 關閉房間並取消階段迴圈
func (r *Room) Close(reason string) {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.logger.Info("房間已關閉", "room_id", r.ID, "reason", reason)
	})
}

// IsExpired 檢查房間是否應被清理機制回收
func (r *Room) IsExpired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return true
	}

	idle := time.Since(r.lastActive)

	// 結束的對戰閒置過久
	if r.status == StatusResult && idle > resultRoomTTL {
		return true
	}

	// 空房間正常會被立即回收，這裡是保險
	if len(r.players) == 0 && idle > emptyRoomTTL {
		return true
	}

	return false
}

func (r *Room) playerBySinkLocked(sink Sink) *Player {
	playerID, ok := r.sinkIDs[sink]
	if !ok {
		return nil
	}
	return r.playerByIDLocked(playerID)
}

func (r *Room) playerByIDLocked(playerID string) *Player {
	for _, p := range r.players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

func (r *Room) allFinishedLocked() bool {
	for _, p := range r.players {
		if !p.IsFinished {
			return false
		}
	}
	return len(r.players) > 0
}

// touchLocked 更新最後活動時間（需持有寫鎖）
func (r *Room) touchLocked() {
	r.lastActive = time.Now()
}
