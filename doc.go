// Package codebattle 提供了一個即時多人程式碼對戰服務。
//
// 實現了一個房間制的線上 coding battle 服務器，玩家透過 WebSocket
// 建立房間、邀請對手，在倒數結束後同時解同一道題目，包含以下核心功能：
//
// 房間管理系統
//
// 提供完整的房間生命週期管理：
//   - 四碼房間代碼建立與加入（代碼不分大小寫）
//   - 玩家加入、離開與斷線處理
//   - 空房間與過期房間自動清理
//   - 房間狀態全量快照廣播
//
// 對戰流程
//
// 每個房間是一個獨立的狀態機：
//
//	WAITING → COUNTDOWN → BATTLE → RESULT
//
//   - 所有玩家按下準備後進入 3 秒倒數
//   - 倒數結束抽題開戰，限時 60 秒
//   - 全員交卷或時間歸零即進入結算
//
// # WebSocket 通訊
//
// 實現了即時雙向通訊機制：
//   - 單一 /ws 端點，JSON 事件協議
//   - 支援心跳檢測（Ping/Pong）
//   - 每次狀態變更廣播完整快照
//   - 錯誤事件只回傳給肇事連線
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 每個房間一把讀寫鎖保護所有變更
//   - 廣播在鎖外進行，發送佇列滿則丟棄
//   - 每個房間一個階段迴圈 goroutine，由 Context 控制生命週期
//
// 使用範例
//
// 啟動服務器：
//
//	manager := internal.NewManager(internal.ManagerConfig{}, logger)
//	hub := internal.NewHub(manager, logger)
//	handler := internal.NewHandler(manager, hub, "http://localhost:8080", logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端連接後建立房間：
//
//	{"type": "create_room", "nickname": "koopa"}
//
// 架構設計
//
// 系統採用分層架構設計：
//   - Handler 層：HTTP API 與路由
//   - Hub 層：WebSocket 連線與訊息泵
//   - Manager 層：房間註冊表與連線對應
//   - Room 層：狀態機、階段迴圈與廣播
package codebattle
