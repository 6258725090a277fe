package app

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"consensus-trader/internal/store"
)

// runState 跟踪系统首次启动时间与累计决策次数，持久化在存储中，
// 进程重启后继续累加。
type runState struct {
	db        *sql.DB
	StartTime time.Time
}

const runStateSchema = `
CREATE TABLE IF NOT EXISTS run_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	start_time TEXT NOT NULL,
	invocation_count INTEGER NOT NULL
);
`

func loadRunState(st *store.Store) (*runState, error) {
	db := st.DB()

	if err := st.Migrate(runStateSchema); err != nil {
		return nil, fmt.Errorf("初始化运行状态表失败: %w", err)
	}

	state := &runState{db: db}

	var startRaw string
	err := db.QueryRow(`SELECT start_time FROM run_state WHERE id = 1`).Scan(&startRaw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		state.StartTime = time.Now().UTC()
		_, err = db.Exec(
			`INSERT INTO run_state (id, start_time, invocation_count) VALUES (1, ?, 0)`,
			state.StartTime.Format(time.RFC3339),
		)
		if err != nil {
			return nil, fmt.Errorf("写入运行状态失败: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("读取运行状态失败: %w", err)
	default:
		start, parseErr := time.Parse(time.RFC3339, startRaw)
		if parseErr != nil {
			start = time.Now().UTC()
		}
		state.StartTime = start
	}

	return state, nil
}

// NextInvocation 自增并返回本次决策序号。
func (s *runState) NextInvocation() (int64, error) {
	if _, err := s.db.Exec(`UPDATE run_state SET invocation_count = invocation_count + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("更新决策计数失败: %w", err)
	}

	var count int64
	if err := s.db.QueryRow(`SELECT invocation_count FROM run_state WHERE id = 1`).Scan(&count); err != nil {
		return 0, fmt.Errorf("读取决策计数失败: %w", err)
	}
	return count, nil
}
