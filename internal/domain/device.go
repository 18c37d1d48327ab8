package domain

import "sync"

// DevicePreference keeps the selected capture/playback device ids for the
// lifetime of the process. It is refreshed whenever the device list changes.
type DevicePreference struct {
	mu       sync.RWMutex
	inputID  string
	outputID string
}

func (p *DevicePreference) InputID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inputID
}

func (p *DevicePreference) OutputID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputID
}

func (p *DevicePreference) SetInputID(id string) {
	p.mu.Lock()
	p.inputID = id
	p.mu.Unlock()
}

func (p *DevicePreference) SetOutputID(id string) {
	p.mu.Lock()
	p.outputID = id
	p.mu.Unlock()
}

// Reconcile drops a remembered id that no longer exists in the device list.
func (p *DevicePreference) Reconcile(available []string) {
	known := make(map[string]struct{}, len(available))
	for _, id := range available {
		known[id] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := known[p.inputID]; !ok {
		p.inputID = ""
	}
	if _, ok := known[p.outputID]; !ok {
		p.outputID = ""
	}
}
