package main

import (
	"context"
	"sync"
)

// Activity boost constants. Whispering feeds the whole garden, changing
// your mood feeds only your own plant.
const (
	whisperSenderBoost int64 = 200
	whisperOtherBoost  int64 = 100
	moodChangeBoost    int64 = 400
)

// Default spawn point for a brand-new plant.
const (
	spawnX = 100
	spawnY = 200
)

// Canvas-safe region; positions outside it are clamped on write.
const (
	canvasMaxX = 4096
	canvasMaxY = 4096
)

const defaultMood = "🌱"

// bloomTransition reports how a mutation moved a participant relative to
// the terminal stage.
type bloomTransition int

const (
	bloomUnchanged bloomTransition = iota
	bloomEntered
	bloomLeft
)

// Presence is the canonical live view of the garden: every participant the
// process currently considers present, plus the set of ids credited with
// Full Bloom. All writes go through to the Store first; the live view and
// the bloom set are only mutated once the write has succeeded, so a storage
// failure never leaves the count out of step with the table.
type Presence struct {
	store Store

	mu      sync.RWMutex
	live    map[string]Participant
	bloomed map[string]bool
}

func newPresence(store Store) *Presence {
	return &Presence{
		store:   store,
		live:    make(map[string]Participant),
		bloomed: make(map[string]bool),
	}
}

// Admit loads the participant for accountID from the store, creating a
// fresh one at the spawn point if none exists, binds it to connID, and
// places it in the live view. A participant who left the garden fully
// grown is credited again on return.
func (pr *Presence) Admit(ctx context.Context, accountID, connID, mood string, now int64) (Participant, error) {
	p, err := pr.store.FindByAccountID(ctx, accountID)
	if err == errParticipantNotFound {
		p = Participant{
			ID: accountID,
			X:  spawnX,
			Y:  spawnY,
			Identity: Identity{
				Mood:      defaultMood,
				AccountID: accountID,
			},
		}
		err = nil
	}
	if err != nil {
		return Participant{}, err
	}

	if mood != "" {
		p.Identity.Mood = mood
	}
	p.ConnID = connID
	p.LastSeen = now

	stored, err := pr.store.Upsert(ctx, p)
	if err != nil {
		return Participant{}, err
	}

	pr.mu.Lock()
	pr.live[accountID] = stored
	if fullyGrown(stored.ActiveTime) {
		pr.bloomed[accountID] = true
	}
	pr.mu.Unlock()

	return stored, nil
}

// UpsertFromClientUpdate merges a client-reported state into the live
// record. The reported active time is merged monotonically (it can only
// raise the stored value) and the growth stage is recomputed server-side,
// so a client cannot report a stage it has not earned. Position is clamped
// to the canvas-safe region.
func (pr *Presence) UpsertFromClientUpdate(ctx context.Context, accountID string, x, y float64, activeTime int64, mood string, now int64) (Participant, bloomTransition, error) {
	pr.mu.RLock()
	p, ok := pr.live[accountID]
	pr.mu.RUnlock()

	if !ok {
		// Not live, but a dormant record may still exist; merging against
		// it keeps the accumulator monotonic across reap and reconnect.
		var err error
		p, err = pr.store.FindByAccountID(ctx, accountID)
		if err == errParticipantNotFound {
			p = Participant{
				ID: accountID,
				Identity: Identity{
					Mood:      defaultMood,
					AccountID: accountID,
				},
			}
			err = nil
		}
		if err != nil {
			return Participant{}, bloomUnchanged, err
		}
	}

	p.X = clamp(x, 0, canvasMaxX)
	p.Y = clamp(y, 0, canvasMaxY)
	if activeTime > p.ActiveTime {
		p.ActiveTime = activeTime
	}
	if mood != "" {
		p.Identity.Mood = mood
	}
	p.LastSeen = now

	return pr.commit(ctx, p)
}

// ApplyActivityBoost adds delta to the participant's active time,
// floor-clamped at zero, and recomputes the stage.
func (pr *Presence) ApplyActivityBoost(ctx context.Context, accountID string, delta int64, now int64) (Participant, bloomTransition, error) {
	pr.mu.RLock()
	p, ok := pr.live[accountID]
	pr.mu.RUnlock()

	if !ok {
		return Participant{}, bloomUnchanged, errParticipantNotFound
	}

	p.ActiveTime += delta
	if p.ActiveTime < 0 {
		p.ActiveTime = 0
	}
	p.LastSeen = now

	return pr.commit(ctx, p)
}

// SetMood updates the participant's mood label and applies the fixed
// mood-change boost.
func (pr *Presence) SetMood(ctx context.Context, accountID, mood string, now int64) (Participant, bloomTransition, error) {
	pr.mu.RLock()
	p, ok := pr.live[accountID]
	pr.mu.RUnlock()

	if !ok {
		return Participant{}, bloomUnchanged, errParticipantNotFound
	}

	p.Identity.Mood = mood
	p.ActiveTime += moodChangeBoost
	p.LastSeen = now

	return pr.commit(ctx, p)
}

// commit writes through to the store and, only on success, updates the
// live view and reconciles bloom membership against the recomputed stage.
func (pr *Presence) commit(ctx context.Context, p Participant) (Participant, bloomTransition, error) {
	stored, err := pr.store.Upsert(ctx, p)
	if err != nil {
		return Participant{}, bloomUnchanged, err
	}

	transition := bloomUnchanged

	pr.mu.Lock()
	pr.live[stored.ID] = stored

	grown := fullyGrown(stored.ActiveTime)
	member := pr.bloomed[stored.ID]
	switch {
	case grown && !member:
		pr.bloomed[stored.ID] = true
		transition = bloomEntered
	case !grown && member:
		delete(pr.bloomed, stored.ID)
		transition = bloomLeft
	}
	pr.mu.Unlock()

	return stored, transition, nil
}

// Remove evicts a participant from the live view, retracting any bloom
// credit. The durable record is untouched; the participant can return.
// Reports whether the participant held Full Bloom.
func (pr *Presence) Remove(accountID string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	wasBloomed := pr.bloomed[accountID]
	delete(pr.live, accountID)
	delete(pr.bloomed, accountID)
	return wasBloomed
}

// Get returns the live record for accountID, if present.
func (pr *Presence) Get(accountID string) (Participant, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	p, ok := pr.live[accountID]
	return p, ok
}

// SnapshotAll returns a copy of the live view keyed by account id, used to
// populate a newly connected client.
func (pr *Presence) SnapshotAll() map[string]Participant {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	snapshot := make(map[string]Participant, len(pr.live))
	for id, p := range pr.live {
		snapshot[id] = p
	}
	return snapshot
}

// SnapshotWithStored merges every persisted record under the live view,
// so a bootstrap snapshot also shows dormant plants whose tenders are
// away. Live entries win; dormant ones carry no connection.
func (pr *Presence) SnapshotWithStored(ctx context.Context) (map[string]Participant, error) {
	all, err := pr.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]Participant, len(all))
	for _, p := range all {
		p.ConnID = ""
		snapshot[p.ID] = p
	}

	pr.mu.RLock()
	for id, p := range pr.live {
		snapshot[id] = p
	}
	pr.mu.RUnlock()

	return snapshot, nil
}

// IdleSince returns the ids of live participants whose last activity is
// older than cutoff, for the reaper.
func (pr *Presence) IdleSince(cutoff int64) []string {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	var idle []string
	for id, p := range pr.live {
		if p.LastSeen < cutoff {
			idle = append(idle, id)
		}
	}
	return idle
}

// BloomCount is the number of live participants currently at Full Bloom.
func (pr *Presence) BloomCount() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return len(pr.bloomed)
}

// LiveCount is the number of participants in the live view.
func (pr *Presence) LiveCount() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return len(pr.live)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
