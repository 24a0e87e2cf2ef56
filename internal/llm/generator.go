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

// Package llm holds the text generation and speech synthesis clients used by
// the response pipeline.
package llm

import (
	"context"
	"iter"
	"strings"
)

// Prompt is one generation request. Persona is prepended to Text before it
// is sent; it is static configuration and never shown to the user.
type Prompt struct {
	System  string
	Persona string
	Text    string
}

// UserText returns the text sent in the user turn
func (p Prompt) UserText() string {
	return p.Persona + p.Text
}

// TextGenerator streams a completion as text fragments. The sequence is
// finite and can only be ranged over once.
type TextGenerator interface {
	Generate(ctx context.Context, prompt Prompt) iter.Seq2[string, error]
	Name() string
}

// Collect concatenates fragments in arrival order. Text gathered before an
// error is returned alongside it.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for fragment, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(fragment)
	}
	return b.String(), nil
}
