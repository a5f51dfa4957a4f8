package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"
)

// Handler 營運用 HTTP API
//
// 遊戲協議全部走 WebSocket；這裡只有健康檢查、統計、
// 房間查詢與加入連結的 QR code。
type Handler struct {
	manager   *Manager
	hub       *Hub
	logger    *slog.Logger
	publicURL string
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, hub *Hub, publicURL string, logger *slog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		hub:       hub,
		logger:    logger,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	r.Use(h.recoverer)
	r.Use(h.loggerMiddleware)
	r.Use(h.corsMiddleware)

	r.HandleFunc("/health", h.health)
	r.HandleFunc("/stats", h.stats)
	r.HandleFunc("/api/v1/rooms/{room_id}", h.getRoomDetail)
	r.HandleFunc("/api/v1/rooms/{room_id}/qr", h.roomQR)
	r.HandleFunc("/ws", h.hub.ServeWS)

	return r
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, h.manager.Stats(), http.StatusOK)
}

// getRoomDetail 查詢房間（代碼不分大小寫）
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]

	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}

	h.jsonResponse(w, map[string]any{
		"state":      room.Snapshot(),
		"created_at": room.CreatedAt().Unix(),
	}, http.StatusOK)
}

// roomQR 產生加入連結的 QR code（PNG）
func (h *Handler) roomQR(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]

	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}

	joinURL := fmt.Sprintf("%s/?room=%s", h.publicURL, room.ID)
	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err != nil {
		h.logger.Error("產生 QR code 失敗", "room_id", room.ID, "error", err)
		h.errorResponse(w, "產生 QR code 失敗", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.logger.Error("寫入 QR code 失敗", "error", err)
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// corsMiddleware CORS 中間件
//
// WebSocket 升級請求直接放行，升級握手不吃 CORS 這一套。
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket 連線會長時間掛著，交給 Hub 自己記錄
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)
				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
