package api

import (
	"sync"
)

// WizardKind enumerates the multi-step conversations a front end can be
// in the middle of. One state is held per user.
type WizardKind int

const (
	WizardNone WizardKind = iota
	WizardNewName
	WizardNewWaitFile
	WizardNewPickEntry
	WizardUpdateWaitFile
	WizardImportWaitFile
	WizardImportPickEntry
	WizardEnvSet
	WizardEnvDelete
	WizardInstall
	WizardRename
	WizardAdminPremium
	WizardAdminBan
	WizardAdminBroadcast
	WizardAdminStopID
)

// WizardState is the tagged per-user conversation state. Which fields
// are meaningful depends on Kind.
type WizardState struct {
	Kind       WizardKind
	ProjectID  int64
	Name       string   // pending project name (WizardNewWaitFile)
	Token      string   // staged upload token (pick-entry states)
	Key        string   // pending env key (WizardEnvSet)
	Candidates []string // entrypoint candidates (pick-entry states)
}

// Wizard stores per-user conversation state for the front end
type Wizard struct {
	mu     sync.Mutex
	states map[int64]WizardState
}

// NewWizard creates an empty session store
func NewWizard() *Wizard {
	return &Wizard{states: make(map[int64]WizardState)}
}

// Set replaces the user's state
func (w *Wizard) Set(userID int64, state WizardState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states[userID] = state
}

// Get returns the user's state; Kind is WizardNone when no conversation
// is in flight.
func (w *Wizard) Get(userID int64) WizardState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[userID]
}

// Clear drops the user's state
func (w *Wizard) Clear(userID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.states, userID)
}
