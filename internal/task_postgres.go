package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTaskRepo PostgreSQL 題庫
//
// 題目放在 tasks 表，抽題直接在資料庫端隨機：
//
//	CREATE TABLE tasks (
//	    id             TEXT PRIMARY KEY,
//	    title          TEXT NOT NULL,
//	    description    TEXT NOT NULL,
//	    input_example  TEXT NOT NULL,
//	    output_example TEXT NOT NULL,
//	    template_code  TEXT NOT NULL
//	);
//
// 題庫是唯讀的參考資料，房間狀態本身不落地。
type PostgresTaskRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresTaskRepo 建立資料庫題庫連線
func NewPostgresTaskRepo(ctx context.Context, dsn string) (*PostgresTaskRepo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("建立資料庫連線池失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("資料庫連線測試失敗: %w", err)
	}
	return &PostgresTaskRepo{pool: pool}, nil
}

// RandomTask 隨機抽一題
func (r *PostgresTaskRepo) RandomTask(ctx context.Context) (Task, error) {
	const query = `
		SELECT id, title, description, input_example, output_example, template_code
		FROM tasks
		ORDER BY random()
		LIMIT 1`

	var task Task
	err := r.pool.QueryRow(ctx, query).Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.InputExample,
		&task.OutputExample,
		&task.TemplateCode,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("題庫是空的")
		}
		return Task{}, fmt.Errorf("查詢題目失敗: %w", err)
	}
	return task, nil
}

// Close 關閉連線池
func (r *PostgresTaskRepo) Close() {
	r.pool.Close()
}
