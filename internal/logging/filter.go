package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from the "component" attribute, either attached via
// Logger.With or passed on the record itself. Components without an explicit
// level use the default level. Levels can be changed at runtime.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levelTable
	component string // from WithAttrs, empty if not yet known
}

type levelTable struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	byComponent  map[string]slog.Level
}

// NewComponentFilterHandler wraps next. next should accept all levels.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		levels: &levelTable{
			defaultLevel: defaultLevel,
			byComponent:  make(map[string]slog.Level),
		},
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.byComponent[component] = level
}

// ClearLevel reverts a component to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	delete(h.levels.byComponent, component)
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	if l, ok := h.levels.byComponent[component]; ok {
		return l
	}
	return h.levels.defaultLevel
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.levels.defaultLevel
}

// minLevel is the lowest level any component may log at.
func (h *ComponentFilterHandler) minLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	lowest := h.levels.defaultLevel
	for _, l := range h.levels.byComponent {
		lowest = min(lowest, l)
	}
	return lowest
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	threshold := h.minLevel()
	if h.component != "" {
		threshold = h.Level(h.component)
	}
	return level >= threshold && h.next.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	return &ComponentFilterHandler{
		next:      h.next.WithAttrs(attrs),
		levels:    h.levels,
		component: component,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		next:      h.next.WithGroup(name),
		levels:    h.levels,
		component: h.component,
	}
}
