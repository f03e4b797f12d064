package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/metrics"
)

// CreateRelations appends relations between entities. The store performs no
// deduplication; identical triples are accepted and callers are responsible
// for not re-emitting them within one analysis pass.
func (m *Manager) CreateRelations(ctx context.Context, studentID string, relations []apptype.Relation) error {
	done := metrics.TimeOp("db_create_relations")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	if len(relations) == 0 {
		success = true
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO relations (source, target, relation_type) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, relation := range relations {
		if relation.From == "" || relation.To == "" || relation.RelationType == "" {
			return fmt.Errorf("relation fields cannot be empty")
		}

		// Endpoints may be created implicitly when the graph has not seen
		// them yet; the entity row is filled in by a later entity write.
		if err := ensureEntityStub(ctx, tx, relation.From); err != nil {
			return err
		}
		if err := ensureEntityStub(ctx, tx, relation.To); err != nil {
			return err
		}

		if _, err := stmt.ExecContext(ctx, relation.From, relation.To, relation.RelationType); err != nil {
			return fmt.Errorf("failed to insert relation (%s -> %s): %w", relation.From, relation.To, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

// ensureEntityStub implicitly creates a relation endpoint that the graph has
// not seen yet. The stub carries the explicit unknown type until an entity
// write fills it in.
func ensureEntityStub(ctx context.Context, tx *sql.Tx, name string) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO entities (name, entity_type) VALUES (?, ?)",
		name, apptype.EntityTypeUnknown); err != nil {
		return fmt.Errorf("failed to create stub entity %q: %w", name, err)
	}
	return nil
}

// GetRelationsForEntities retrieves relations touching any of the given entities
func (m *Manager) GetRelationsForEntities(ctx context.Context, studentID string, entities []apptype.Entity) ([]apptype.Relation, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	if len(entities) == 0 {
		return nil, nil
	}

	entityNames := make([]string, len(entities))
	for i, e := range entities {
		entityNames[i] = e.Name
	}

	placeholders := strings.Repeat("?,", len(entityNames))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		SELECT source, target, relation_type
		FROM relations
		WHERE source IN (%s) OR target IN (%s)
	`, placeholders, placeholders)

	args := make([]interface{}, len(entityNames)*2)
	for i, name := range entityNames {
		args[i] = name
		args[i+len(entityNames)] = name
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var relations []apptype.Relation
	for rows.Next() {
		var source, target, relationType string
		if err := rows.Scan(&source, &target, &relationType); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		relations = append(relations, apptype.Relation{
			From:         source,
			To:           target,
			RelationType: relationType,
		})
	}

	return relations, rows.Err()
}

// DeleteRelation deletes a specific relation
func (m *Manager) DeleteRelation(ctx context.Context, studentID string, source, target, relationType string) error {
	done := metrics.TimeOp("db_delete_relation")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	if source == "" || target == "" || relationType == "" {
		return fmt.Errorf("relation parameters cannot be empty")
	}

	result, err := db.ExecContext(ctx,
		"DELETE FROM relations WHERE source = ? AND target = ? AND relation_type = ?",
		source, target, relationType)
	if err != nil {
		return fmt.Errorf("failed to delete relation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("relation not found: %s -> %s (%s)", source, target, relationType)
	}

	success = true
	return nil
}
