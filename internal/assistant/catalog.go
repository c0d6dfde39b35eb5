package assistant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Assistants []catalogEntry `json:"assistants" yaml:"assistants"`
}

type catalogEntry struct {
	ID     string       `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Prompt string       `json:"prompt" yaml:"prompt"`
	Status *int         `json:"status" yaml:"status"`
	Owners []string     `json:"owners" yaml:"owners"`
	Tools  []Capability `json:"tools" yaml:"tools"`
	Flows  []Capability `json:"flows" yaml:"flows"`
}

// LoadCatalog reads a YAML or JSON catalog file into a MemoryStore.
// An empty path yields an empty store.
func LoadCatalog(path string) (*MemoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewMemoryStore(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assistant catalog: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseCatalog(data, format)
}

// ParseCatalog parses raw catalog bytes in "yaml" or "json" format.
// Entries without a status are online.
func ParseCatalog(data []byte, format string) (*MemoryStore, error) {
	var file catalogFile
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse YAML catalog: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse JSON catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}

	store := NewMemoryStore()
	seen := make(map[uuid.UUID]struct{}, len(file.Assistants))
	for i, e := range file.Assistants {
		id, err := uuid.Parse(strings.TrimSpace(e.ID))
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: invalid id %q: %w", i, e.ID, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %s", i, id)
		}
		seen[id] = struct{}{}

		status := StatusOnline
		if e.Status != nil {
			status = Status(*e.Status)
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = id.String()
		}
		var owners []string
		for _, o := range e.Owners {
			if o = strings.TrimSpace(o); o != "" {
				owners = append(owners, o)
			}
		}
		store.Put(Assistant{
			ID:     id,
			Name:   name,
			Prompt: strings.TrimSpace(e.Prompt),
			Status: status,
			Owners: owners,
			Tools:  e.Tools,
			Flows:  e.Flows,
		})
	}
	return store, nil
}
