// Package capability содержит статический каталог действий автоматизации:
// форма аргументов, чувствительность и scopes, нужные для автономного вызова.
// После сборки каталог не изменяется и читается без блокировок.
package capability

import (
	"errors"
	"sort"
)

var ErrUnknownCapability = errors.New("capability: unknown capability")

// ExecutionPath: предпочтительный путь исполнения.
type ExecutionPath string

const (
	PathNativeAPI ExecutionPath = "native_api"
	PathUI        ExecutionPath = "ui"
)

// ArgSpec описывает один аргумент capability.
type ArgSpec struct {
	Type     string `json:"type"` // string, bool, int, []string
	Required bool   `json:"required"`
	Doc      string `json:"doc,omitempty"`
}

// Capability: именованное действие. Значения не меняются после NewRegistry.
type Capability struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Args        map[string]ArgSpec `json:"args"`
	Sensitivity Sensitivity        `json:"-"`
	Path        ExecutionPath      `json:"path"`
	Scopes      []string           `json:"scopes"`
}

// Registry: таблица поиска по ID. Только чтение.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry копирует переданные capability, чтобы снаружи нельзя было изменить каталог.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c.ID == "" {
			return nil, errors.New("capability: empty id")
		}
		if _, dup := r.caps[c.ID]; dup {
			return nil, errors.New("capability: duplicate id " + c.ID)
		}
		c.Scopes = append([]string(nil), c.Scopes...)
		args := make(map[string]ArgSpec, len(c.Args))
		for k, v := range c.Args {
			args[k] = v
		}
		c.Args = args
		r.caps[c.ID] = c
	}
	return r, nil
}

// Get возвращает capability по ID.
func (r *Registry) Get(id string) (Capability, bool) {
	c, ok := r.caps[id]
	if !ok {
		return Capability{}, false
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c, true
}

// IsSensitive вычисляет чувствительность вызова. Неизвестная capability считается
// чувствительной (fail closed).
func (r *Registry) IsSensitive(id string, args map[string]interface{}) bool {
	c, ok := r.caps[id]
	if !ok {
		return true
	}
	return c.Sensitivity.Evaluate(args)
}

// ScopesFor возвращает scopes, которые нужны для автономного вызова.
func (r *Registry) ScopesFor(id string) ([]string, error) {
	c, ok := r.caps[id]
	if !ok {
		return nil, ErrUnknownCapability
	}
	return append([]string(nil), c.Scopes...), nil
}

// IDs: отсортированный список ID, удобен для логов и системной инструкции.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
