package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/metrics"
)

// ReadGraph returns the full {entities, relations} snapshot for a student.
func (m *Manager) ReadGraph(ctx context.Context, studentID string) (*apptype.GraphResult, error) {
	done := metrics.TimeOp("db_read_graph")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT name, entity_type FROM entities ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	entities := []apptype.Entity{}
	for rows.Next() {
		var name, entityType string
		if err := rows.Scan(&name, &entityType); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, apptype.Entity{Name: name, EntityType: entityType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	for i := range entities {
		observations, err := m.getEntityObservations(ctx, studentID, entities[i].Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get observations for entity %q: %w", entities[i].Name, err)
		}
		entities[i].Observations = observations
	}

	relRows, err := db.QueryContext(ctx, "SELECT source, target, relation_type FROM relations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer relRows.Close()

	relations := []apptype.Relation{}
	for relRows.Next() {
		var r apptype.Relation
		if err := relRows.Scan(&r.From, &r.To, &r.RelationType); err != nil {
			return nil, fmt.Errorf("failed to scan relation row: %w", err)
		}
		relations = append(relations, r)
	}
	if err := relRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}

	success = true
	return &apptype.GraphResult{Entities: entities, Relations: relations}, nil
}

// SearchEntities performs text-based search over names, types and facts.
func (m *Manager) SearchEntities(ctx context.Context, studentID string, query string) ([]apptype.Entity, error) {
	done := metrics.TimeOp("db_search_entities")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	searchQuery := fmt.Sprintf("%%%s%%", query)
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT e.name, e.entity_type
		FROM entities e
		LEFT JOIN observations o ON e.name = o.entity_name
		WHERE e.name LIKE ? OR e.entity_type LIKE ? OR o.fact_value LIKE ?
		ORDER BY e.name
	`, searchQuery, searchQuery, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to execute entity search: %w", err)
	}
	defer rows.Close()

	var entities []apptype.Entity
	for rows.Next() {
		var name, entityType string
		if err := rows.Scan(&name, &entityType); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, apptype.Entity{Name: name, EntityType: entityType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity results: %w", err)
	}

	for i := range entities {
		observations, err := m.getEntityObservations(ctx, studentID, entities[i].Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get observations for entity %q: %w", entities[i].Name, err)
		}
		entities[i].Observations = observations
	}

	success = true
	return entities, nil
}

// DeleteEntities deletes the named entities along with their observations
// and any relation referencing them. Missing names are ignored.
func (m *Manager) DeleteEntities(ctx context.Context, studentID string, names []string) error {
	done := metrics.TimeOp("db_delete_entities")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		success = true
		return nil
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("entity name cannot be empty")
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.ExecContext(ctx, "DELETE FROM observations WHERE entity_name = ?", name); err != nil {
			return fmt.Errorf("failed to delete observations for %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM relations WHERE source = ? OR target = ?", name, name); err != nil {
			return fmt.Errorf("failed to delete relations for %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE name = ?", name); err != nil {
			return fmt.Errorf("failed to delete entity %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}
