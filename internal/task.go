package internal

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// Task 程式題目
type Task struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	InputExample  string `json:"inputExample"`
	OutputExample string `json:"outputExample"`
	TemplateCode  string `json:"templateCode"`
}

// RenderText 把題目組成廣播用的描述文字
func (t Task) RenderText() string {
	return fmt.Sprintf("%s\n\n%s\n\nExample: %s -> %s",
		t.Title, t.Description, t.InputExample, t.OutputExample)
}

// TaskSource 題庫
//
// 房間開戰時抽一題。實作有內建題庫（MemoryTaskRepo）
// 與 PostgreSQL 題庫（PostgresTaskRepo），由啟動設定決定。
type TaskSource interface {
	RandomTask(ctx context.Context) (Task, error)
}

// MemoryTaskRepo 內建題庫
type MemoryTaskRepo struct {
	tasks []Task
}

// NewMemoryTaskRepo 創建內建題庫
func NewMemoryTaskRepo() *MemoryTaskRepo {
	return &MemoryTaskRepo{
		tasks: []Task{
			{
				ID:            "1",
				Title:         "Sum of Two",
				Description:   "Write a function that takes two integers and returns their sum.",
				InputExample:  "a = 1, b = 2",
				OutputExample: "3",
				TemplateCode: `func sum(a, b int) int {
	// 在這裡實作
	return 0
}`,
			},
			{
				ID:            "2",
				Title:         "Reverse String",
				Description:   "Write a function that takes a string and returns it reversed.",
				InputExample:  `"hello"`,
				OutputExample: `"olleh"`,
				TemplateCode: `func reverse(s string) string {
	// 在這裡實作
	return ""
}`,
			},
			{
				ID:            "3",
				Title:         "Factorial",
				Description:   "Calculate the factorial of a non-negative integer n.",
				InputExample:  "n = 5",
				OutputExample: "120",
				TemplateCode: `func factorial(n int) int64 {
	// 在這裡實作
	return 1
}`,
			},
			{
				ID:            "4",
				Title:         "Check Palindrome",
				Description:   "Check if the given string is a palindrome (reads the same forwards and backwards).",
				InputExample:  `"madam"`,
				OutputExample: "true",
				TemplateCode: `func isPalindrome(s string) bool {
	// 在這裡實作
	return false
}`,
			},
			{
				ID:            "5",
				Title:         "Find Max",
				Description:   "Find the maximum number in a list of integers.",
				InputExample:  "[1, 5, 3, 9, 2]",
				OutputExample: "9",
				TemplateCode: `func findMax(numbers []int) int {
	// 在這裡實作
	return 0
}`,
			},
		},
	}
}

// RandomTask 隨機抽一題
func (r *MemoryTaskRepo) RandomTask(_ context.Context) (Task, error) {
	if len(r.tasks) == 0 {
		return Task{}, fmt.Errorf("題庫是空的")
	}
	return r.tasks[rand.IntN(len(r.tasks))], nil
}
