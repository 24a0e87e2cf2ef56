/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/logging"
)

// Artifact sources
const (
	SourceVoice    = "voice"
	SourceHTTP     = "http"
	SourceGreeting = "greeting"
)

// ErrArtifactNotFound is returned when no artifact has the requested id
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact is one synthesized audio file on disk
type Artifact struct {
	ID          string
	Path        string
	Source      string
	UtteranceID string
	TextLength  int
	Bytes       int64
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// ArtifactStore handles database operations for artifacts
type ArtifactStore struct {
	db *Database
}

// NewArtifactStore creates a new artifact store
func NewArtifactStore(db *Database) *ArtifactStore {
	return &ArtifactStore{db: db}
}

// Insert records a new artifact
func (s *ArtifactStore) Insert(ctx context.Context, a *Artifact) error {
	if a.ID == "" || a.Path == "" {
		return fmt.Errorf("artifact id and path are required")
	}

	query := `
		INSERT INTO artifacts (id, path, source, utterance_id, text_length, bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		a.ID, a.Path, a.Source, a.UtteranceID, a.TextLength, a.Bytes, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}

	logging.LogDatabaseOperation("INSERT", "artifacts",
		zap.String("artifact_id", a.ID),
		zap.String("source", a.Source),
		zap.Int64("bytes", a.Bytes),
	)
	return nil
}

// MarkDeleted records that the artifact's file has been removed
func (s *ArtifactStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.DB().ExecContext(ctx,
		"UPDATE artifacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark artifact deleted: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}

	return nil
}

// Get retrieves an artifact by id
func (s *ArtifactStore) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, path, source, utterance_id, text_length, bytes, created_at, deleted_at
		FROM artifacts WHERE id = ?`, id)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return a, err
}

// ListExpired returns live artifacts created before cutoff, oldest first
func (s *ArtifactStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*Artifact, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, path, source, utterance_id, text_length, bytes, created_at, deleted_at
		FROM artifacts
		WHERE deleted_at IS NULL AND created_at < ?
		ORDER BY created_at ASC`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		createdAt int64
		deletedAt sql.NullInt64
	)

	if err := row.Scan(&a.ID, &a.Path, &a.Source, &a.UtteranceID, &a.TextLength, &a.Bytes, &createdAt, &deletedAt); err != nil {
		return nil, err
	}

	a.CreatedAt = time.UnixMilli(createdAt)
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64)
		a.DeletedAt = &t
	}
	return &a, nil
}
