// Package idmap provides a bidirectional manager-id <-> backend-id table
// (spec C2): identity passthrough for ids that don't differ, an explicit
// mapping for the ones that do. Grounded on the teacher's small versioned
// lookup tables in ap.configd/upgrade_v*.go.
package idmap

import (
	"fmt"
	"sync"

	"vehiclehub/pkg/propmodel"
)

// Table is a bidirectional propmodel.PropertyID mapping. The zero value is
// ready to use.
type Table struct {
	mu         sync.RWMutex
	toBackend  map[propmodel.PropertyID]propmodel.PropertyID
	toManager  map[propmodel.PropertyID]propmodel.PropertyID
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		toBackend: make(map[propmodel.PropertyID]propmodel.PropertyID),
		toManager: make(map[propmodel.PropertyID]propmodel.PropertyID),
	}
}

// Add registers a mapping between a manager-side id and a backend-side id.
// It is an error to map either id more than once.
func (t *Table) Add(managerID, backendID propmodel.PropertyID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.toBackend == nil {
		t.toBackend = make(map[propmodel.PropertyID]propmodel.PropertyID)
		t.toManager = make(map[propmodel.PropertyID]propmodel.PropertyID)
	}
	if _, ok := t.toBackend[managerID]; ok {
		return fmt.Errorf("idmap: manager id %d already mapped", managerID)
	}
	if _, ok := t.toManager[backendID]; ok {
		return fmt.Errorf("idmap: backend id %d already mapped", backendID)
	}
	t.toBackend[managerID] = backendID
	t.toManager[backendID] = managerID
	return nil
}

// ToBackend translates a manager-side id to its backend-side id, falling
// back to identity when no explicit mapping was registered.
func (t *Table) ToBackend(managerID propmodel.PropertyID) propmodel.PropertyID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.toBackend[managerID]; ok {
		return id
	}
	return managerID
}

// ToManager translates a backend-side id to its manager-side id, falling
// back to identity when no explicit mapping was registered.
func (t *Table) ToManager(backendID propmodel.PropertyID) propmodel.PropertyID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.toManager[backendID]; ok {
		return id
	}
	return backendID
}
