package session

import (
	"sort"
	"strconv"
	"time"

	"classlink/pkg/types"
)

// JoinInfo is the identity part of a JOIN.
type JoinInfo struct {
	DisplayName string
	Role        types.Role
	UserID      string
}

// PresenceUpdate is a partial update; nil fields are left untouched.
type PresenceUpdate struct {
	Muted      *bool
	HandRaised *bool
	Values     map[string]string
}

// PresenceFromKeyValue maps a PRESENCE_UPDATE fact onto an update. The
// well-known boolean keys become flags; everything else is free-form.
func PresenceFromKeyValue(key, value string) PresenceUpdate {
	switch key {
	case types.PresenceMuted:
		if b, err := strconv.ParseBool(value); err == nil {
			return PresenceUpdate{Muted: &b}
		}
	case types.PresenceHandRaised:
		if b, err := strconv.ParseBool(value); err == nil {
			return PresenceUpdate{HandRaised: &b}
		}
	}
	return PresenceUpdate{Values: map[string]string{key: value}}
}

// JoinResult describes what a Join did to the map.
type JoinResult struct {
	Participant *types.Participant
	// Created is set when no entry existed, not even a placeholder.
	Created bool
	// FirstJoin is set when this is the first real JOIN for the session id.
	FirstJoin bool
}

// Participants is the keyed participant store of one room. It is not safe
// for concurrent use; Room serializes access.
// FUNCTIONAL DISCOVERY: at most one entry per session id, and the entry for
// types.LocalSessionID owns no stream: the local capture belongs to the caller
type Participants struct {
	byID           map[string]*types.Participant
	now            func() time.Time
	onReleaseError func(sessionID string, err error)
}

func NewParticipants() *Participants {
	return &Participants{
		byID: make(map[string]*types.Participant),
		now:  time.Now,
	}
}

// Join inserts or overwrites the identity fields of an entry. Presence and
// stream state gathered before the JOIN are kept.
func (ps *Participants) Join(sessionID string, info JoinInfo) JoinResult {
	p, ok := ps.byID[sessionID]
	if !ok {
		p = &types.Participant{SessionID: sessionID, JoinedAt: ps.now()}
		ps.byID[sessionID] = p
	}
	firstJoin := !ok || p.Placeholder

	p.DisplayName = info.DisplayName
	p.Role = info.Role
	if info.UserID != "" {
		p.UserID = info.UserID
	}
	p.Placeholder = false

	return JoinResult{Participant: p.Clone(), Created: !ok, FirstJoin: firstJoin}
}

// Leave removes the entry and releases its stream.
func (ps *Participants) Leave(sessionID string) (*types.Participant, bool) {
	p, ok := ps.byID[sessionID]
	if !ok {
		return nil, false
	}
	delete(ps.byID, sessionID)
	ps.release(p)
	return p.Clone(), true
}

// MergePresence applies u, creating a placeholder if the JOIN has not
// arrived yet.
func (ps *Participants) MergePresence(sessionID string, u PresenceUpdate) (p *types.Participant, created bool) {
	cur, ok := ps.byID[sessionID]
	if !ok {
		cur = &types.Participant{
			SessionID:   sessionID,
			Role:        types.RoleUnknown,
			Placeholder: true,
			JoinedAt:    ps.now(),
		}
		ps.byID[sessionID] = cur
	}

	if u.Muted != nil {
		cur.Muted = *u.Muted
	}
	if u.HandRaised != nil {
		cur.HandRaised = *u.HandRaised
	}
	if len(u.Values) > 0 {
		if cur.Presence == nil {
			cur.Presence = make(map[string]string, len(u.Values))
		}
		for k, v := range u.Values {
			cur.Presence[k] = v
		}
	}
	return cur.Clone(), !ok
}

// AttachStream sets the entry's stream, releasing a different previous one.
// It reports false if the participant is unknown; the caller keeps h.
func (ps *Participants) AttachStream(sessionID string, h types.StreamHandle) (*types.Participant, bool) {
	p, ok := ps.byID[sessionID]
	if !ok {
		return nil, false
	}
	if p.Stream != nil && p.Stream != h {
		ps.release(p)
	}
	p.Stream = h
	return p.Clone(), true
}

// DetachStream releases and clears the entry's stream.
func (ps *Participants) DetachStream(sessionID string) (*types.Participant, bool) {
	p, ok := ps.byID[sessionID]
	if !ok || p.Stream == nil {
		return nil, false
	}
	ps.release(p)
	p.Stream = nil
	return p.Clone(), true
}

func (ps *Participants) Get(sessionID string) (*types.Participant, bool) {
	p, ok := ps.byID[sessionID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (ps *Participants) Has(sessionID string) bool {
	_, ok := ps.byID[sessionID]
	return ok
}

func (ps *Participants) Len() int { return len(ps.byID) }

// List returns snapshots ordered by join time, then session id.
func (ps *Participants) List() []*types.Participant {
	out := make([]*types.Participant, 0, len(ps.byID))
	for _, p := range ps.byID {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Clear removes every entry, releasing remote streams.
func (ps *Participants) Clear() []*types.Participant {
	removed := make([]*types.Participant, 0, len(ps.byID))
	for id, p := range ps.byID {
		ps.release(p)
		removed = append(removed, p.Clone())
		delete(ps.byID, id)
	}
	return removed
}

func (ps *Participants) release(p *types.Participant) {
	if p.Stream == nil || p.SessionID == types.LocalSessionID {
		return
	}
	if err := p.Stream.Release(); err != nil && ps.onReleaseError != nil {
		ps.onReleaseError(p.SessionID, err)
	}
}
