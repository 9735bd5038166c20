package host

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var placeholderRe = regexp.MustCompile(`%([^%\s]+)%`)

// PlaceholderFunc resolves params for subject. Returning false leaves the
// placeholder text untouched.
type PlaceholderFunc func(ctx context.Context, subject, params string) (string, bool)

// Expansion is a placeholder provider installed under one identifier.
type Expansion struct {
	Identifier string          `json:"identifier"`
	Author     string          `json:"author"`
	Version    string          `json:"version"`
	Resolve    PlaceholderFunc `json:"-"`
}

// PlaceholderTable expands %identifier_params% tokens in text.
type PlaceholderTable struct {
	mu         sync.RWMutex
	expansions map[string]*Expansion
}

// NewPlaceholderTable creates an empty table.
func NewPlaceholderTable() *PlaceholderTable {
	return &PlaceholderTable{expansions: make(map[string]*Expansion)}
}

// Register installs exp. It returns false if the identifier is taken.
func (pt *PlaceholderTable) Register(exp *Expansion) bool {
	id := strings.ToLower(exp.Identifier)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, taken := pt.expansions[id]; taken {
		return false
	}
	pt.expansions[id] = exp
	return true
}

// Unregister removes the expansion for identifier if it is exp.
func (pt *PlaceholderTable) Unregister(exp *Expansion) bool {
	id := strings.ToLower(exp.Identifier)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.expansions[id] != exp {
		return false
	}
	delete(pt.expansions, id)
	return true
}

// Expansions lists installed expansions sorted by identifier.
func (pt *PlaceholderTable) Expansions() []*Expansion {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]*Expansion, 0, len(pt.expansions))
	for _, e := range pt.expansions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Expand replaces every resolvable placeholder in text. The identifier is
// the longest registered prefix of the token that is followed by "_" or ends
// the token.
func (pt *PlaceholderTable) Expand(ctx context.Context, subject, text string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		body := tok[1 : len(tok)-1]
		exp, params := pt.match(body)
		if exp == nil {
			return tok
		}
		if out, ok := exp.Resolve(ctx, subject, params); ok {
			return out
		}
		return tok
	})
}

func (pt *PlaceholderTable) match(body string) (*Expansion, string) {
	lower := strings.ToLower(body)
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	var best *Expansion
	bestLen := -1
	for id, e := range pt.expansions {
		if len(id) <= bestLen || !strings.HasPrefix(lower, id) {
			continue
		}
		if len(lower) != len(id) && lower[len(id)] != '_' {
			continue
		}
		best, bestLen = e, len(id)
	}
	if best == nil {
		return nil, ""
	}
	if bestLen == len(body) {
		return best, ""
	}
	return best, body[bestLen+1:]
}
