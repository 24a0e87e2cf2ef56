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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TranscriptSpool passes captured transcript lines through a transient
// text file: written, read back, and removed within one call.
type TranscriptSpool struct {
	dir string
}

// NewTranscriptSpool creates a spool writing under dir (OS temp dir if empty)
func NewTranscriptSpool(dir string) *TranscriptSpool {
	if dir == "" {
		dir = os.TempDir()
	}
	return &TranscriptSpool{dir: dir}
}

// RoundTrip writes one quoted line per entry and returns the entries as read
// back. Entries survive byte for byte, line breaks included.
func (s *TranscriptSpool) RoundTrip(texts []string) ([]string, error) {
	f, err := os.CreateTemp(s.dir, "transcript-*.txt")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := writeTranscript(f, texts); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}

	lines, err := readTranscript(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	return lines, nil
}

func writeTranscript(f *os.File, texts []string) error {
	w := bufio.NewWriter(f)
	for _, text := range texts {
		if _, err := w.WriteString(strconv.Quote(text)); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readTranscript(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var texts []string
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSuffix(line, "\n"); line != "" {
			text, uerr := strconv.Unquote(line)
			if uerr != nil {
				return nil, fmt.Errorf("corrupt transcript line %d: %v", len(texts)+1, uerr)
			}
			texts = append(texts, text)
		}
		if errors.Is(err, io.EOF) {
			return texts, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
