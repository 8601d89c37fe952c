// ABOUTME: Server-side panel registry implementing the dispatcher's PanelHost boundary.
// ABOUTME: Tracks which widget panels are open per thread and the text each was primed with.

package server

import (
	"sync"

	"github.com/2389-research/parley/widget"
)

// PanelState describes one open widget panel for API consumers.
type PanelState struct {
	Kind        widget.Kind `json:"kind"`
	TriggerText string      `json:"trigger_text"`
}

// PanelRegistry records open/close decisions made by the dispatcher so UI
// clients can poll panel state. It performs no rendering.
type PanelRegistry struct {
	mu     sync.Mutex
	panels map[widget.Kind]string // kind -> primed trigger text
}

// NewPanelRegistry creates an empty registry.
func NewPanelRegistry() *PanelRegistry {
	return &PanelRegistry{panels: make(map[widget.Kind]string)}
}

// OpenPanel implements dispatch.PanelHost. Opening an already-open panel
// re-primes it with the new triggering text.
func (p *PanelRegistry) OpenPanel(kind widget.Kind, triggerText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panels[kind] = triggerText
}

// ClosePanel implements dispatch.PanelHost.
func (p *PanelRegistry) ClosePanel(kind widget.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.panels, kind)
}

// IsOpen implements dispatch.PanelHost.
func (p *PanelRegistry) IsOpen(kind widget.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.panels[kind]
	return ok
}

// Open returns the currently open panels.
func (p *PanelRegistry) Open() []PanelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PanelState, 0, len(p.panels))
	for kind, text := range p.panels {
		out = append(out, PanelState{Kind: kind, TriggerText: text})
	}
	return out
}
