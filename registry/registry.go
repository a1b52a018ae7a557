// Package registry holds the member-city roster: which mount belongs to which
// city and which meeting-title patterns identify its content. Loaded once at
// startup and never mutated.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// City describes one member city.
type City struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	MountPath     string   `json:"mount_path"`
	TitlePatterns []string `json:"title_patterns"`
	// Critical mounts take the whole system unhealthy when missing;
	// non-critical ones only degrade it.
	Critical bool `json:"critical,omitempty"`
}

// MatchesTitle is case-insensitive any-of substring matching. A city with no
// patterns matches everything.
func (c City) MatchesTitle(title string) bool {
	if len(c.TitlePatterns) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, p := range c.TitlePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Registry is the immutable city mapping.
type Registry struct {
	byID map[string]City
	ids  []string
}

// Load accepts either a path to a JSON file or the JSON document itself
// (detected by a leading '[' or '{').
func Load(pathOrJSON string) (*Registry, error) {
	raw := []byte(pathOrJSON)
	trimmed := strings.TrimSpace(pathOrJSON)
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
		var err error
		raw, err = os.ReadFile(pathOrJSON)
		if err != nil {
			return nil, fmt.Errorf("reading cities config %q: %w", pathOrJSON, err)
		}
	}

	var cities []City
	if err := json.Unmarshal(raw, &cities); err != nil {
		return nil, fmt.Errorf("parsing cities config: %w", err)
	}
	if len(cities) == 0 {
		return nil, fmt.Errorf("cities config is empty")
	}

	reg := &Registry{byID: make(map[string]City, len(cities))}
	for _, c := range cities {
		if c.ID == "" || c.MountPath == "" {
			return nil, fmt.Errorf("city entry missing id or mount_path: %+v", c)
		}
		if _, dup := reg.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate city id %q", c.ID)
		}
		reg.byID[c.ID] = c
		reg.ids = append(reg.ids, c.ID)
	}
	sort.Strings(reg.ids)
	return reg, nil
}

func (r *Registry) Get(id string) (City, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Cities returns all cities in stable ID order.
func (r *Registry) Cities() []City {
	out := make([]City, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Len() int { return len(r.ids) }
