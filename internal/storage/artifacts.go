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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
)

// ErrFileSystem marks failures writing, reading or deleting local files
var ErrFileSystem = errors.New("file system error")

// Artifacts allocates unique per-request audio paths and keeps the
// registry in step with the files on disk. The registry is optional.
type Artifacts struct {
	dir     string
	store   *ArtifactStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewArtifacts creates the artifact directory if needed. store may be nil.
func NewArtifacts(dir string, store *ArtifactStore, m *metrics.Metrics) (*Artifacts, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "loqa-listen")
	}
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("%w: failed to create artifact directory: %v", ErrFileSystem, err)
	}

	return &Artifacts{dir: dir, store: store, metrics: m, now: time.Now}, nil
}

// Dir returns the directory holding artifact files
func (a *Artifacts) Dir() string {
	return a.dir
}

// Save writes audio from r to a new uniquely named file and registers it
func (a *Artifacts) Save(ctx context.Context, r io.Reader, source, utteranceID, ext string, textLength int) (*Artifact, error) {
	if ext == "" {
		ext = ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	id := uuid.NewString()
	path := filepath.Join(a.dir, id+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return nil, copyErr
		}
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, closeErr)
	}

	artifact := &Artifact{
		ID:          id,
		Path:        path,
		Source:      source,
		UtteranceID: utteranceID,
		TextLength:  textLength,
		Bytes:       n,
		CreatedAt:   a.now(),
	}

	if a.store != nil {
		if err := a.store.Insert(ctx, artifact); err != nil {
			// the file is still usable; the sweeper just won't know about it
			logging.LogError(err, "Failed to register artifact", zap.String("artifact_id", id))
		}
	}

	return artifact, nil
}

// Discard removes the artifact's file. A file that is already gone is not
// an error.
func (a *Artifacts) Discard(ctx context.Context, artifact *Artifact) error {
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}

	if a.store != nil {
		if err := a.store.MarkDeleted(ctx, artifact.ID, a.now()); err != nil && !errors.Is(err, ErrArtifactNotFound) {
			logging.LogError(err, "Failed to mark artifact deleted", zap.String("artifact_id", artifact.ID))
		}
	}
	return nil
}

// Lookup returns a registered artifact that has not been discarded
func (a *Artifacts) Lookup(ctx context.Context, id string) (*Artifact, error) {
	if a.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}

	artifact, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if artifact.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return artifact, nil
}

// Sweep discards registered artifacts older than retention and returns how
// many files were removed.
func (a *Artifacts) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if a.store == nil {
		return 0, nil
	}

	expired, err := a.store.ListExpired(ctx, a.now().Add(-retention))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, artifact := range expired {
		if err := a.Discard(ctx, artifact); err != nil {
			logging.LogWarn("Failed to sweep artifact",
				zap.String("artifact_id", artifact.ID),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	a.metrics.RecordArtifactsSwept(removed)
	return removed, nil
}

// RunSweeper sweeps on every interval until ctx is done
func (a *Artifacts) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	if a.store == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Sweep(ctx, retention)
			if err != nil {
				logging.LogError(err, "Artifact sweep failed")
				continue
			}
			if n > 0 {
				logging.LogDatabaseOperation("sweep", "artifacts", zap.Int("removed", n))
			}
		}
	}
}
