package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/metrics"
)

// getEntityObservations retrieves all observations for an entity
func (m *Manager) getEntityObservations(ctx context.Context, studentID string, entityName string) ([]apptype.Observation, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	stmt, err := m.getPreparedStmt(ctx, studentID, db, "SELECT fact_key, fact_value FROM observations WHERE entity_name = ? ORDER BY id")
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, entityName)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var observations []apptype.Observation
	for rows.Next() {
		var o apptype.Observation
		if err := rows.Scan(&o.Key, &o.Value); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, o)
	}

	return observations, rows.Err()
}

// CreateEntities creates or updates entities with their observations.
// Re-creating an existing entity merges observations (union) instead of
// replacing them. Malformed entities are rejected per-item; the batch
// continues and the rejects are reported in the result.
func (m *Manager) CreateEntities(ctx context.Context, studentID string, entities []apptype.Entity) ([]apptype.WriteFailure, error) {
	done := metrics.TimeOp("db_create_entities")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	var rejected []apptype.WriteFailure
	for i, entity := range entities {
		if strings.TrimSpace(entity.Name) == "" {
			rejected = append(rejected, apptype.WriteFailure{Index: i, Reason: "entity name must be a non-empty string"})
			continue
		}
		if strings.TrimSpace(entity.EntityType) == "" {
			rejected = append(rejected, apptype.WriteFailure{Index: i, Name: entity.Name, Reason: "entity type must be a non-empty string"})
			continue
		}
		if len(entity.Observations) == 0 {
			rejected = append(rejected, apptype.WriteFailure{Index: i, Name: entity.Name, Reason: "entity must have at least one observation"})
			continue
		}

		if err := m.upsertEntity(ctx, db, entity); err != nil {
			return rejected, err
		}
	}

	success = true
	return rejected, nil
}

// upsertEntity applies one entity write atomically.
func (m *Manager) upsertEntity(ctx context.Context, db *sql.DB, entity apptype.Entity) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for entity %q: %w", entity.Name, err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		"UPDATE entities SET entity_type = ? WHERE name = ?",
		entity.EntityType, entity.Name)
	if err != nil {
		return fmt.Errorf("failed to update entity %q: %w", entity.Name, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update: %w", err)
	}

	if rowsAffected == 0 {
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO entities (name, entity_type) VALUES (?, ?)",
			entity.Name, entity.EntityType); err != nil {
			return fmt.Errorf("failed to insert entity %q: %w", entity.Name, err)
		}
	}

	// Union semantics: identical facts are ignored, new facts are appended.
	for _, observation := range entity.Observations {
		if observation.Value == "" && observation.Key == "" {
			return fmt.Errorf("observation cannot be empty for entity %q", entity.Name)
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO observations (entity_name, fact_key, fact_value) VALUES (?, ?, ?)",
			entity.Name, observation.Key, observation.Value); err != nil {
			return fmt.Errorf("failed to insert observation for entity %q: %w", entity.Name, err)
		}
	}

	return tx.Commit()
}

// GetEntity retrieves a single entity by name
func (m *Manager) GetEntity(ctx context.Context, studentID string, name string) (*apptype.Entity, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT name, entity_type FROM entities WHERE name = ?", name)

	var entityName, entityType string
	if err := row.Scan(&entityName, &entityType); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("entity not found: %s", name)
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	observations, err := m.getEntityObservations(ctx, studentID, entityName)
	if err != nil {
		return nil, fmt.Errorf("failed to get observations: %w", err)
	}

	return &apptype.Entity{
		Name:         entityName,
		EntityType:   entityType,
		Observations: observations,
	}, nil
}

// GetEntities retrieves multiple entities by name, skipping missing ones.
func (m *Manager) GetEntities(ctx context.Context, studentID string, names []string) ([]apptype.Entity, error) {
	entities := make([]apptype.Entity, 0, len(names))
	for _, name := range names {
		entity, err := m.GetEntity(ctx, studentID, name)
		if err != nil {
			continue
		}
		entities = append(entities, *entity)
	}
	return entities, nil
}
