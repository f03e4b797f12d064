package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/metrics"
)

// ValidationError reports a rejected store write and names the missing or
// invalid field so callers can surface an actionable message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpsertLocation creates or merges a map location. Identity during merge is
// the (name, type) pair: the stored id never changes, metadata merges one
// level deep with new keys winning, and sourceChats grow by union. The
// caller must supply coordinates; address-only payloads are geocoded by the
// orchestrator before they reach the store.
func (m *Manager) UpsertLocation(ctx context.Context, studentID string, loc apptype.MapLocation) (*apptype.MapLocation, error) {
	done := metrics.TimeOp("db_upsert_location")
	success := false
	defer func() { done(success) }()

	if strings.TrimSpace(loc.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "must be a non-empty string"}
	}
	if loc.LocationType != apptype.LocationTypeCollege && loc.LocationType != apptype.LocationTypeScholarship {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("must be %q or %q", apptype.LocationTypeCollege, apptype.LocationTypeScholarship)}
	}
	if loc.Latitude == nil || loc.Longitude == nil {
		return nil, &ValidationError{Field: "latitude/longitude", Reason: "coordinates are required; supply them directly or provide a geocodable metadata.address"}
	}

	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatSQLTime(time.Now())

	var existingID, existingMeta string
	row := tx.QueryRowContext(ctx,
		"SELECT id, metadata FROM map_locations WHERE name = ? AND location_type = ?",
		loc.Name, loc.LocationType)
	err = row.Scan(&existingID, &existingMeta)

	switch {
	case err == sql.ErrNoRows:
		loc.ID = uuid.NewString()
		metaJSON, mErr := json.Marshal(nonNilMetadata(loc.Metadata))
		if mErr != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", mErr)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO map_locations (id, name, location_type, latitude, longitude, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			loc.ID, loc.Name, loc.LocationType, *loc.Latitude, *loc.Longitude, string(metaJSON), now, now); err != nil {
			return nil, fmt.Errorf("failed to insert location %q: %w", loc.Name, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up location %q: %w", loc.Name, err)
	default:
		var oldMeta map[string]any
		if uErr := json.Unmarshal([]byte(existingMeta), &oldMeta); uErr != nil {
			// Corrupt metadata should not block the merge; start fresh.
			oldMeta = map[string]any{}
		}
		merged := apptype.MergeMetadata(oldMeta, nonNilMetadata(loc.Metadata))
		metaJSON, mErr := json.Marshal(merged)
		if mErr != nil {
			return nil, fmt.Errorf("failed to encode merged metadata: %w", mErr)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE map_locations SET latitude = ?, longitude = ?, metadata = ?, updated_at = ? WHERE id = ?",
			*loc.Latitude, *loc.Longitude, string(metaJSON), now, existingID); err != nil {
			return nil, fmt.Errorf("failed to update location %q: %w", loc.Name, err)
		}
		loc.ID = existingID
	}

	// sourceChats union: enrichment writes never remove a contributing chat.
	for _, chatID := range loc.SourceChats {
		if chatID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO location_source_chats (location_id, chat_id) VALUES (?, ?)",
			loc.ID, chatID); err != nil {
			return nil, fmt.Errorf("failed to record source chat for %q: %w", loc.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	stored, err := m.getLocationByID(ctx, studentID, loc.ID)
	if err != nil {
		return nil, err
	}
	success = true
	return stored, nil
}

func nonNilMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

// getLocationByID loads one location with its source chats.
func (m *Manager) getLocationByID(ctx context.Context, studentID string, id string) (*apptype.MapLocation, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT id, name, location_type, latitude, longitude, metadata, created_at, updated_at FROM map_locations WHERE id = ?", id)
	loc, err := scanLocation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("location not found: %s", id)
		}
		return nil, err
	}

	chats, err := m.getLocationSourceChats(ctx, studentID, id)
	if err != nil {
		return nil, err
	}
	loc.SourceChats = chats
	return loc, nil
}

func (m *Manager) getLocationSourceChats(ctx context.Context, studentID string, id string) ([]string, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}
	stmt, err := m.getPreparedStmt(ctx, studentID, db, "SELECT chat_id FROM location_source_chats WHERE location_id = ? ORDER BY chat_id")
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query source chats: %w", err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, fmt.Errorf("failed to scan source chat: %w", err)
		}
		chats = append(chats, chatID)
	}
	return chats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (*apptype.MapLocation, error) {
	var loc apptype.MapLocation
	var lat, lng float64
	var metaJSON, createdAt, updatedAt string
	if err := row.Scan(&loc.ID, &loc.Name, &loc.LocationType, &lat, &lng, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	loc.Latitude = &lat
	loc.Longitude = &lng
	if err := json.Unmarshal([]byte(metaJSON), &loc.Metadata); err != nil {
		loc.Metadata = map[string]any{}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		loc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		loc.UpdatedAt = t
	}
	return &loc, nil
}

// ListLocations returns all map locations for a student.
func (m *Manager) ListLocations(ctx context.Context, studentID string) ([]apptype.MapLocation, error) {
	done := metrics.TimeOp("db_list_locations")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT id, name, location_type, latitude, longitude, metadata, created_at, updated_at FROM map_locations ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	locations := []apptype.MapLocation{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location row: %w", err)
		}
		locations = append(locations, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}

	for i := range locations {
		chats, err := m.getLocationSourceChats(ctx, studentID, locations[i].ID)
		if err != nil {
			return nil, err
		}
		locations[i].SourceChats = chats
	}

	success = true
	return locations, nil
}

// DeleteLocation removes one location by its stable id.
func (m *Manager) DeleteLocation(ctx context.Context, studentID string, locationID string) error {
	done := metrics.TimeOp("db_delete_location")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}
	if locationID == "" {
		return &ValidationError{Field: "locationId", Reason: "must be a non-empty string"}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM location_source_chats WHERE location_id = ?", locationID); err != nil {
		return fmt.Errorf("failed to delete source chats: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM map_locations WHERE id = ?", locationID)
	if err != nil {
		return fmt.Errorf("failed to delete location: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("location not found: %s", locationID)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

// ClearLocations removes every location for a student.
func (m *Manager) ClearLocations(ctx context.Context, studentID string) error {
	done := metrics.TimeOp("db_clear_locations")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM location_source_chats"); err != nil {
		return fmt.Errorf("failed to clear source chats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM map_locations"); err != nil {
		return fmt.Errorf("failed to clear locations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}
