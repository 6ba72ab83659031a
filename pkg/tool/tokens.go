// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates the token footprint of a string using the cl100k_base
// encoding. Falls back to len/4 when the encoding data is unavailable
// (offline environments).
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using byte estimate", "error", err)
			return
		}
		encoding = enc
	})

	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// EstimateTokens returns the approximate prompt cost of binding the given
// tools: name, description, and serialized input schema.
func EstimateTokens(tools []*Tool) int {
	total := 0
	for _, t := range tools {
		total += countTokens(t.Name) + countTokens(t.Description)
		if len(t.InputSchema) > 0 {
			if data, err := json.Marshal(t.InputSchema); err == nil {
				total += countTokens(string(data))
			}
		}
	}
	return total
}

// Savings reports how much of the full catalog's token footprint a selection
// avoids, as a fraction in [0, 1].
func Savings(catalog *Catalog, selected []*Tool) float64 {
	full := EstimateTokens(catalog.ListAll())
	if full == 0 {
		return 0
	}
	used := EstimateTokens(selected)
	if used >= full {
		return 0
	}
	return float64(full-used) / float64(full)
}
