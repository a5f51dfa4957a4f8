package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CodeRunner 程式碼執行協作者
//
// 核心只轉發請求與回應，絕不在本行程內執行任何程式碼。
type CodeRunner interface {
	Run(ctx context.Context, code string) (string, error)
}

// StubRunner 未設定執行後端時的預設實作
type StubRunner struct{}

// Run 一律回報後端未設定
func (StubRunner) Run(_ context.Context, _ string) (string, error) {
	return "", fmt.Errorf("程式碼執行後端尚未設定")
}

// HTTPRunner 透過 HTTP 轉發給外部執行服務
//
// 請求：POST {endpoint}，body {"code": "..."}
// 回應：200 與 {"output": "..."}
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRunner 創建 HTTP 執行轉發器
func NewHTTPRunner(endpoint string) *HTTPRunner {
	return &HTTPRunner{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Run 轉發程式碼並取回輸出
func (r *HTTPRunner) Run(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", fmt.Errorf("序列化執行請求失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("建立執行請求失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("呼叫執行服務失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("執行服務回應異常: %d", resp.StatusCode)
	}

	var result struct {
		Output string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("解析執行結果失敗: %w", err)
	}

	return result.Output, nil
}
