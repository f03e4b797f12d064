package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/planprep/enrichment/internal/metrics"
)

// getPreparedStmt returns or prepares and caches a statement for the given student DB
func (m *Manager) getPreparedStmt(ctx context.Context, studentID string, db *sql.DB, sqlText string) (*sql.Stmt, error) {
	key := m.studentKey(studentID)

	// fast path read
	m.stmtMu.RLock()
	if cache, ok := m.stmtCache[key]; ok {
		if stmt, ok2 := cache[sqlText]; ok2 {
			m.stmtMu.RUnlock()
			metrics.Default().IncStmtCacheHit("prepare")
			return stmt, nil
		}
	}
	m.stmtMu.RUnlock()
	metrics.Default().IncStmtCacheMiss("prepare")

	// prepare and store
	stmt, err := db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	m.stmtMu.Lock()
	if _, ok := m.stmtCache[key]; !ok {
		m.stmtCache[key] = make(map[string]*sql.Stmt)
	}
	m.stmtCache[key][sqlText] = stmt
	m.stmtMu.Unlock()
	return stmt, nil
}
