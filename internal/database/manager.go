package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/planprep/enrichment/internal/metrics"
)

const defaultStudent = "default"

// Manager owns all store access. In multi-student mode each student gets an
// isolated database file under StudentsDir; otherwise a single database
// backs the default student.
type Manager struct {
	config    *Config
	dbs       map[string]*sql.DB
	mu        sync.RWMutex
	stmtCache map[string]map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// NewManager creates a new database manager
func NewManager(config *Config) (*Manager, error) {
	manager := &Manager{
		config:    config,
		dbs:       make(map[string]*sql.DB),
		stmtCache: make(map[string]map[string]*sql.Stmt),
	}

	// If not in multi-student mode, initialize the default database immediately
	if !config.MultiStudentMode {
		if _, err := manager.getDB(defaultStudent); err != nil {
			return nil, fmt.Errorf("failed to initialize default database: %w", err)
		}
	}

	return manager, nil
}

// Config returns the active configuration.
func (m *Manager) Config() *Config { return m.config }

// studentKey maps an external student id onto a database key.
func (m *Manager) studentKey(studentID string) string {
	if m.config.MultiStudentMode {
		return studentID
	}
	return defaultStudent
}

// getDB retrieves a database connection for a given student, creating it if necessary
func (m *Manager) getDB(studentID string) (*sql.DB, error) {
	key := m.studentKey(studentID)

	m.mu.RLock()
	db, ok := m.dbs[key]
	m.mu.RUnlock()

	if ok {
		return db, nil
	}

	m.mu.Lock()

	// Double-check if another goroutine created the DB while we were waiting for the lock
	db, ok = m.dbs[key]
	if ok {
		m.mu.Unlock()
		return db, nil
	}

	var dbURL string
	if m.config.MultiStudentMode {
		if key == "" {
			m.mu.Unlock()
			return nil, fmt.Errorf("student id cannot be empty in multi-student mode")
		}
		dbPath := filepath.Join(m.config.StudentsDir, key, "enrichment.db")
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to create student directory for %s: %w", key, err)
		}
		dbURL = fmt.Sprintf("file:%s", dbPath)
	} else {
		dbURL = m.config.URL
	}

	var newDB *sql.DB
	var err error

	if strings.HasPrefix(dbURL, "file:") {
		newDB, err = sql.Open("libsql", dbURL)
	} else {
		authURL := dbURL
		if m.config.AuthToken != "" {
			if u, perr := url.Parse(dbURL); perr == nil {
				q := u.Query()
				q.Set("authToken", m.config.AuthToken)
				u.RawQuery = q.Encode()
				authURL = u.String()
			}
		}
		newDB, err = sql.Open("libsql", authURL)
	}

	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create database connector for student %s: %w", key, err)
	}

	if err := m.initialize(newDB); err != nil {
		newDB.Close()
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to initialize database for student %s: %w", key, err)
	}

	if m.config.MaxOpenConns > 0 {
		newDB.SetMaxOpenConns(m.config.MaxOpenConns)
	}
	if m.config.MaxIdleConns > 0 {
		newDB.SetMaxIdleConns(m.config.MaxIdleConns)
	}
	if m.config.ConnMaxIdleSec > 0 {
		newDB.SetConnMaxIdleTime(time.Duration(m.config.ConnMaxIdleSec) * time.Second)
	}
	if m.config.ConnMaxLifeSec > 0 {
		newDB.SetConnMaxLifetime(time.Duration(m.config.ConnMaxLifeSec) * time.Second)
	}

	m.dbs[key] = newDB
	m.stmtMu.Lock()
	if _, ok := m.stmtCache[key]; !ok {
		m.stmtCache[key] = make(map[string]*sql.Stmt)
	}
	m.stmtMu.Unlock()
	m.mu.Unlock()
	return newDB, nil
}

// initialize creates tables and indexes if they don't exist
func (m *Manager) initialize(db *sql.DB) error {
	done := metrics.TimeOp("db_initialize")
	success := false
	defer func() { done(success) }()
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for initialization: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range schema {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("failed to close database for student %s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
