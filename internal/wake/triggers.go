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

package wake

import "strings"

// TriggerSet is a fixed set of wake phrases matched by substring containment
type TriggerSet struct {
	phrases []string
}

// NewTriggerSet drops blank and duplicate phrases, keeping order
func NewTriggerSet(phrases []string) TriggerSet {
	seen := make(map[string]struct{}, len(phrases))
	var kept []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		kept = append(kept, p)
	}
	return TriggerSet{phrases: kept}
}

// Match returns the first phrase contained in text
func (t TriggerSet) Match(text string) (string, bool) {
	for _, p := range t.phrases {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

// Phrases returns the configured phrases
func (t TriggerSet) Phrases() []string {
	return append([]string(nil), t.phrases...)
}
