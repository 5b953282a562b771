package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/docflow/internal/fallback"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Task 代表交給 worker 的一個任務
type Task struct {
	JobID types.JobID // 任務唯一識別碼
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID      // 任務 ID
	Outcome  fallback.Outcome // fallback controller 的最終決策
	Err      error            // handler 本身的錯誤（任務消失、panic），與轉換失敗無關
	Duration time.Duration    // 實際執行時間
}

// Handler 執行一個任務；ctx 在 pool 強制關閉時被取消
type Handler func(ctx context.Context, task Task) (fallback.Outcome, error)
