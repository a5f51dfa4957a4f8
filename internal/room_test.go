package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/codebattle/internal"
)

// fakeSink 測試用的廣播目標，記錄所有收到的訊息
type fakeSink struct {
	mu       sync.Mutex
	messages [][]byte
}

func (s *fakeSink) Enqueue(message []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, append([]byte(nil), message...))
	return true
}

// states 解出所有 game_state_update 訊息中的快照
func (s *fakeSink) states(t *testing.T) []internal.GameState {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []internal.GameState
	for _, raw := range s.messages {
		var envelope struct {
			Type  string             `json:"type"`
			State internal.GameState `json:"state"`
		}
		require.NoError(t, json.Unmarshal(raw, &envelope))
		if envelope.Type == "game_state_update" {
			out = append(out, envelope.State)
		}
	}
	return out
}

// lastEvent 取最後一則訊息的 type 與原始內容
func (s *fakeSink) lastEvent(t *testing.T) (string, []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	require.NotEmpty(t, s.messages)
	raw := s.messages[len(s.messages)-1]
	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope.Type, raw
}

func (s *fakeSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// failingTaskSource 永遠抽不到題
type failingTaskSource struct{}

func (failingTaskSource) RandomTask(_ context.Context) (internal.Task, error) {
	return internal.Task{}, errors.New("題庫壞掉了")
}

// fakeRunner 回傳固定輸出
type fakeRunner struct {
	output string
	err    error
}

func (r fakeRunner) Run(_ context.Context, _ string) (string, error) {
	return r.output, r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig 用短 tick 跑完整個階段迴圈
func fastConfig() internal.RoomConfig {
	return internal.RoomConfig{
		TickInterval:     10 * time.Millisecond,
		CountdownSeconds: 3,
		BattleSeconds:    3,
	}
}

func newTestRoom(t *testing.T) *internal.Room {
	t.Helper()
	room := internal.NewRoom("TEST", fastConfig(), internal.NewMemoryTaskRepo(), internal.StubRunner{}, testLogger())
	t.Cleanup(func() { room.Close("test_done") })
	return room
}

// waitForStatus 等待房間進入指定狀態
func waitForStatus(t *testing.T, room *internal.Room, status internal.GameStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return room.Status() == status
	}, 2*time.Second, 5*time.Millisecond, "房間未在時限內進入 %s", status)
}

// TestNewRoom 測試創建新房間
func TestNewRoom(t *testing.T) {
	room := newTestRoom(t)

	assert.Equal(t, "TEST", room.ID)
	assert.Equal(t, internal.StatusWaiting, room.Status())
	assert.Equal(t, 0, room.PlayerCount())

	state := room.Snapshot()
	assert.Equal(t, "TEST", state.RoomID)
	assert.Empty(t, state.Players)
	assert.Empty(t, state.TaskText)
	assert.Zero(t, state.TimeRemainingSeconds)
}

// TestRoom_AddPlayer 測試加入玩家
func TestRoom_AddPlayer(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	bob := &fakeSink{}

	p1 := room.AddPlayer("Alice", alice)
	p2 := room.AddPlayer("Bob", bob)

	assert.NotEmpty(t, p1.ID)
	assert.NotEmpty(t, p2.ID)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, "Alice", p1.Nickname)
	assert.False(t, p1.IsReady)
	assert.Equal(t, 2, room.PlayerCount())

	// 玩家順序 = 加入順序
	state := room.Snapshot()
	require.Len(t, state.Players, 2)
	assert.Equal(t, "Alice", state.Players[0].Nickname)
	assert.Equal(t, "Bob", state.Players[1].Nickname)

	// 每次加入都廣播給所有在場玩家
	aliceStates := alice.states(t)
	require.NotEmpty(t, aliceStates)
	last := aliceStates[len(aliceStates)-1]
	assert.Len(t, last.Players, 2)
}

// TestRoom_RemovePlayer 測試移除玩家
func TestRoom_RemovePlayer(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	bob := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.AddPlayer("Bob", bob)

	removed, remaining := room.RemovePlayer(alice)
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)

	state := room.Snapshot()
	require.Len(t, state.Players, 1)
	assert.Equal(t, "Bob", state.Players[0].Nickname)

	// 不在房間內的連線是安全的 no-op，也不觸發廣播
	stranger := &fakeSink{}
	before := bob.messageCount()
	removed, remaining = room.RemovePlayer(stranger)
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, before, bob.messageCount())

	// 重複移除同一條連線也是 no-op
	removed, _ = room.RemovePlayer(alice)
	assert.False(t, removed)
}

// TestRoom_UpdateCode 測試程式碼更新
func TestRoom_UpdateCode(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	bob := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.AddPlayer("Bob", bob)

	room.UpdateCode(alice, "v1")
	room.UpdateCode(alice, "v2")

	// 最後寫入獲勝
	state := room.Snapshot()
	assert.Equal(t, "v2", state.Players[0].CodeText)
	assert.Empty(t, state.Players[1].CodeText)

	// 對手也會在快照中看到變更
	bobStates := bob.states(t)
	require.NotEmpty(t, bobStates)
	assert.Equal(t, "v2", bobStates[len(bobStates)-1].Players[0].CodeText)

	// 未知連線是 no-op
	before := bob.messageCount()
	room.UpdateCode(&fakeSink{}, "noop")
	assert.Equal(t, before, bob.messageCount())
}

// TestRoom_SetReady 測試準備狀態與開戰條件
func TestRoom_SetReady(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	bob := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.AddPlayer("Bob", bob)

	// 只有一個人準備不會開戰
	room.SetReady(alice, true)
	assert.Equal(t, internal.StatusWaiting, room.Status())

	// 取消準備再重新準備
	room.SetReady(alice, false)
	room.SetReady(alice, true)
	assert.Equal(t, internal.StatusWaiting, room.Status())

	// 所有人都準備後進入倒數
	room.SetReady(bob, true)
	status := room.Status()
	assert.Contains(t, []internal.GameStatus{
		internal.StatusCountdown,
		internal.StatusBattle,
	}, status)
}

// TestRoom_SinglePlayerCanStart 測試單人房也能開戰
func TestRoom_SinglePlayerCanStart(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.SetReady(alice, true)

	waitForStatus(t, room, internal.StatusBattle)
}

// TestRoom_CountdownSequence 測試倒數廣播 3、2、1 各恰好一次
func TestRoom_CountdownSequence(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.SetReady(alice, true)

	waitForStatus(t, room, internal.StatusBattle)

	var countdown []int
	for _, state := range alice.states(t) {
		if state.Status == internal.StatusCountdown {
			countdown = append(countdown, state.TimeRemainingSeconds)
		}
	}
	assert.Equal(t, []int{3, 2, 1}, countdown)
}

// TestRoom_BattleStart 測試開戰時種入題目與範本
func TestRoom_BattleStart(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	bob := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.AddPlayer("Bob", bob)
	room.SetReady(alice, true)
	room.SetReady(bob, true)

	waitForStatus(t, room, internal.StatusBattle)

	state := room.Snapshot()
	assert.NotEmpty(t, state.TaskText)
	assert.Contains(t, state.TaskText, "Example:")
	assert.Equal(t, fastConfig().BattleSeconds, state.TimeRemainingSeconds)

	// 兩個玩家拿到同一份程式碼範本
	require.Len(t, state.Players, 2)
	assert.NotEmpty(t, state.Players[0].CodeText)
	assert.Equal(t, state.Players[0].CodeText, state.Players[1].CodeText)
}

// TestRoom_BattleTimeout 測試時間歸零轉入結算
func TestRoom_BattleTimeout(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.SetReady(alice, true)

	waitForStatus(t, room, internal.StatusResult)

	state := room.Snapshot()
	assert.Equal(t, 0, state.TimeRemainingSeconds)

	// 對戰秒數嚴格遞減，沒有重複或跳號
	var battleTicks []int
	for _, s := range alice.states(t) {
		if s.Status == internal.StatusBattle {
			battleTicks = append(battleTicks, s.TimeRemainingSeconds)
		}
	}
	require.NotEmpty(t, battleTicks)
	assert.Equal(t, fastConfig().BattleSeconds, battleTicks[0])
	for i := 1; i < len(battleTicks); i++ {
		assert.Equal(t, battleTicks[i-1]-1, battleTicks[i])
	}
}

// TestRoom_EarlyResult 測試全員交卷提前結算
func TestRoom_EarlyResult(t *testing.T) {
	cfg := fastConfig()
	cfg.BattleSeconds = 600 // 不可能自然倒數完
	room := internal.NewRoom("TEST", cfg, internal.NewMemoryTaskRepo(), internal.StubRunner{}, testLogger())
	defer room.Close("test_done")

	alice := &fakeSink{}
	bob := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.AddPlayer("Bob", bob)
	room.SetReady(alice, true)
	room.SetReady(bob, true)

	waitForStatus(t, room, internal.StatusBattle)

	room.SubmitSolution(alice, "alice answer")
	assert.Equal(t, internal.StatusBattle, room.Status())

	room.SubmitSolution(bob, "bob answer")
	assert.Equal(t, internal.StatusResult, room.Status())

	state := room.Snapshot()
	assert.True(t, state.Players[0].IsFinished)
	assert.True(t, state.Players[1].IsFinished)
	assert.Equal(t, "alice answer", state.Players[0].CodeText)
}

// TestRoom_SubmitBeforeBattle 測試對戰開始前交卷不觸發結算
func TestRoom_SubmitBeforeBattle(t *testing.T) {
	room := newTestRoom(t)

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)

	room.SubmitSolution(alice, "too early")
	assert.Equal(t, internal.StatusWaiting, room.Status())

	state := room.Snapshot()
	assert.True(t, state.Players[0].IsFinished)
}

// TestRoom_TaskFailure 測試抽題失敗退回等待狀態
func TestRoom_TaskFailure(t *testing.T) {
	room := internal.NewRoom("TEST", fastConfig(), failingTaskSource{}, internal.StubRunner{}, testLogger())
	defer room.Close("test_done")

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.SetReady(alice, true)

	// 倒數結束後抽題失敗，退回 WAITING 並清掉準備旗標
	require.Eventually(t, func() bool {
		state := room.Snapshot()
		return state.Status == internal.StatusWaiting && !state.Players[0].IsReady
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, room.Snapshot().TaskText)
}

// TestRoom_RunCode 測試試跑程式碼
func TestRoom_RunCode(t *testing.T) {
	t.Run("結果先回發起者再隨快照廣播", func(t *testing.T) {
		runner := fakeRunner{output: "42\n"}
		room := internal.NewRoom("TEST", fastConfig(), internal.NewMemoryTaskRepo(), runner, testLogger())
		defer room.Close("test_done")

		alice := &fakeSink{}
		bob := &fakeSink{}
		room.AddPlayer("Alice", alice)
		room.AddPlayer("Bob", bob)

		room.RunCode(alice, "print(42)")

		require.Eventually(t, func() bool {
			state := room.Snapshot()
			return state.Players[0].LastRunOutput != nil
		}, 2*time.Second, 5*time.Millisecond)

		var sawRunResult bool
		for _, raw := range allMessages(alice) {
			var envelope struct {
				Type   string `json:"type"`
				Output string `json:"output"`
			}
			require.NoError(t, json.Unmarshal(raw, &envelope))
			if envelope.Type == "run_result" {
				sawRunResult = true
				assert.Equal(t, "42\n", envelope.Output)
			}
		}
		assert.True(t, sawRunResult, "發起者應收到 run_result")

		// 對手只透過快照看到輸出，不會收到 run_result
		bobStates := bob.states(t)
		lastState := bobStates[len(bobStates)-1]
		require.NotNil(t, lastState.Players[0].LastRunOutput)
		assert.Equal(t, "42\n", *lastState.Players[0].LastRunOutput)
		for _, raw := range allMessages(bob) {
			var envelope struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(raw, &envelope))
			assert.NotEqual(t, "run_result", envelope.Type)
		}
	})

	t.Run("執行失敗只回錯誤給發起者", func(t *testing.T) {
		room := newTestRoom(t) // StubRunner 永遠回錯誤

		alice := &fakeSink{}
		room.AddPlayer("Alice", alice)
		before := alice.messageCount()

		room.RunCode(alice, "whatever")

		require.Eventually(t, func() bool {
			return alice.messageCount() > before
		}, 2*time.Second, 5*time.Millisecond)

		eventType, _ := alice.lastEvent(t)
		assert.Equal(t, "error", eventType)

		state := room.Snapshot()
		assert.Nil(t, state.Players[0].LastRunOutput)
	})

	t.Run("未知連線是 no-op", func(t *testing.T) {
		room := newTestRoom(t)
		stranger := &fakeSink{}
		room.RunCode(stranger, "whatever")

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, stranger.messageCount())
	})
}

// TestRoom_Close 測試關閉房間取消階段迴圈
func TestRoom_Close(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = 50 * time.Millisecond
	room := internal.NewRoom("TEST", cfg, internal.NewMemoryTaskRepo(), internal.StubRunner{}, testLogger())

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)
	room.SetReady(alice, true)
	require.Equal(t, internal.StatusCountdown, room.Status())

	room.Close("test")
	assert.True(t, room.IsExpired())

	// 階段迴圈已被取消，不會再推進到對戰
	time.Sleep(5 * cfg.TickInterval)
	assert.NotEqual(t, internal.StatusBattle, room.Status())

	// 重複關閉是安全的
	room.Close("again")
}

// TestRoom_IsExpired 測試過期判斷
func TestRoom_IsExpired(t *testing.T) {
	room := newTestRoom(t)

	// 新房間不過期
	assert.False(t, room.IsExpired())

	alice := &fakeSink{}
	room.AddPlayer("Alice", alice)
	assert.False(t, room.IsExpired())
}

// TestRoom_ConcurrentOperations 測試並發操作不破壞快照一致性
func TestRoom_ConcurrentOperations(t *testing.T) {
	room := newTestRoom(t)

	const playerCount = 10
	sinks := make([]*fakeSink, playerCount)
	for i := range sinks {
		sinks[i] = &fakeSink{}
		room.AddPlayer(fmt.Sprintf("player_%d", i), sinks[i])
	}

	var wg sync.WaitGroup
	for i, sink := range sinks {
		wg.Add(1)
		go func(i int, sink *fakeSink) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				room.UpdateCode(sink, fmt.Sprintf("code_%d_%d", i, j))
				_ = room.Snapshot()
			}
		}(i, sink)
	}
	wg.Wait()

	state := room.Snapshot()
	require.Len(t, state.Players, playerCount)
	for i, p := range state.Players {
		assert.Equal(t, fmt.Sprintf("code_%d_49", i), p.CodeText)
	}
}

func allMessages(s *fakeSink) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.messages...)
}
