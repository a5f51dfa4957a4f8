package internal

import (
	"encoding/json"
	"fmt"
)

// 線上協議：帶型別標籤的 JSON 事件，欄位一律 camelCase。
// 客戶端與伺服器共用同一個信封格式：{"type": "...", ...欄位}。
// 型別字串與欄位名是跨語言契約，不可更動。

// 客戶端 → 伺服器
const (
	EventCreateRoom     = "create_room"
	EventJoinRoom       = "join_room"
	EventUpdateCode     = "update_code"
	EventSubmitSolution = "submit_solution"
	EventSetReady       = "set_ready"
	EventLeaveRoom      = "leave_room"
	EventRunCode        = "run_code"
)

// 伺服器 → 客戶端
const (
	EventGameStateUpdate = "game_state_update"
	EventGameResult      = "game_result"
	EventRunResult       = "run_result"
	EventError           = "error"
)

// ClientEvent 客戶端事件
//
// 所有客戶端事件共用一個扁平結構，依 Type 取用對應欄位。
// 注意 set_ready 的 isReady=false 是合法值，不能在解碼後用零值判斷。
type ClientEvent struct {
	Type     string `json:"type"`
	Nickname string `json:"nickname,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	CodeText string `json:"codeText,omitempty"`
	IsReady  bool   `json:"isReady,omitempty"`
}

// DecodeClientEvent 解析並驗證客戶端事件
//
// 格式錯誤、未知型別、缺少必要欄位都回傳錯誤，
// 由傳輸層轉成 error 事件回覆給發送者本人。
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var event ClientEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return ClientEvent{}, fmt.Errorf("無效的事件格式: %w", err)
	}

	switch event.Type {
	case EventCreateRoom:
		if event.Nickname == "" {
			return ClientEvent{}, fmt.Errorf("暱稱不能為空")
		}
	case EventJoinRoom:
		if event.RoomID == "" {
			return ClientEvent{}, fmt.Errorf("房間代碼不能為空")
		}
		if event.Nickname == "" {
			return ClientEvent{}, fmt.Errorf("暱稱不能為空")
		}
	case EventUpdateCode, EventSubmitSolution, EventSetReady, EventLeaveRoom, EventRunCode:
		// 沒有額外的必要欄位
	default:
		return ClientEvent{}, fmt.Errorf("未知的事件類型: %q", event.Type)
	}

	return event, nil
}

type gameStateUpdateEvent struct {
	Type  string    `json:"type"`
	State GameState `json:"state"`
}

// EncodeGameState 序列化 game_state_update 事件
func EncodeGameState(state GameState) ([]byte, error) {
	return json.Marshal(gameStateUpdateEvent{
		Type:  EventGameStateUpdate,
		State: state,
	})
}

type runResultEvent struct {
	Type   string `json:"type"`
	Output string `json:"output"`
}

// EncodeRunResult 序列化 run_result 事件
func EncodeRunResult(output string) []byte {
	data, _ := json.Marshal(runResultEvent{
		Type:   EventRunResult,
		Output: output,
	})
	return data
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeError 序列化 error 事件
func EncodeError(message string) []byte {
	data, _ := json.Marshal(errorEvent{
		Type:    EventError,
		Message: message,
	})
	return data
}

// GameResultEvent 協議保留事件
//
// 計分與勝負判定由外部協作者負責，核心宣告格式但目前不會發送。
type GameResultEvent struct {
	Type     string         `json:"type"`
	WinnerID *string        `json:"winnerId"`
	Scores   map[string]int `json:"scores"`
}
