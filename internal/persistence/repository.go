package persistence

import "adaptive-grid-bot-go/internal/models"

// StateRepository abstracts the durable snapshot store from the engine.
// SaveState must be durable before it returns: the engine treats a state
// transition as committed only once the snapshot call has succeeded.
type StateRepository interface {
	// SaveState atomically persists the entire engine state.
	SaveState(state *models.EngineState) error

	// LoadState returns the stored state, or (nil, nil) when none exists.
	LoadState() (*models.EngineState, error)

	// Close releases the underlying store.
	Close() error
}
