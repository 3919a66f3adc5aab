package room

import (
	"log/slog"
	"sync"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
)

// maxFloorHistory caps the promotion history per floor.
const maxFloorHistory = 10

// floorKind distinguishes the two arbitrated channels.
type floorKind int

const (
	floorContent floorKind = iota
	floorConference
)

func (k floorKind) eventKind() events.Kind {
	if k == floorContent {
		return events.ContentFloorChanged
	}
	return events.ConferenceFloorChanged
}

// floorChange is one arbitration outcome to announce.
type floorChange struct {
	kind     floorKind
	floor    *media.Unit
	previous []*media.Unit
}

// floorState holds both floors and their most-recently-used promotion
// histories. History entries are live units; disconnected units are
// scrubbed on their way out.
type floorState struct {
	mu      sync.Mutex
	current map[floorKind]*media.Unit
	history map[floorKind][]*media.Unit
}

func newFloorState() *floorState {
	return &floorState{
		current: make(map[floorKind]*media.Unit),
		history: make(map[floorKind][]*media.Unit),
	}
}

// removeFromHistory drops a unit from one history list.
func removeFromHistory(history []*media.Unit, mediaID string) []*media.Unit {
	out := history[:0]
	for _, unit := range history {
		if unit.ID != mediaID {
			out = append(out, unit)
		}
	}
	return out
}

// set assigns a floor, pushing the displaced holder onto the history.
func (f *floorState) set(kind floorKind, unit *media.Unit) floorChange {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.current[kind]
	history := removeFromHistory(f.history[kind], unit.ID)
	if prev != nil && prev.ID != unit.ID {
		history = append([]*media.Unit{prev}, removeFromHistory(history, prev.ID)...)
		if len(history) > maxFloorHistory {
			history = history[:maxFloorHistory]
		}
	}
	f.history[kind] = history
	f.current[kind] = unit

	return floorChange{kind: kind, floor: unit, previous: snapshotHistory(history)}
}

// release clears a floor and promotes the most recent history entry.
func (f *floorState) release(kind floorKind) (floorChange, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current[kind] == nil {
		return floorChange{}, false
	}

	history := f.history[kind]
	var promoted *media.Unit
	if len(history) > 0 {
		promoted = history[0]
		history = history[1:]
	}
	f.history[kind] = history
	f.current[kind] = promoted

	return floorChange{kind: kind, floor: promoted, previous: snapshotHistory(history)}, true
}

// get returns the current holder of a floor.
func (f *floorState) get(kind floorKind) *media.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[kind]
}

// drop scrubs a vanished unit from both floors and histories, releasing
// each floor it held. The dead holder leads the announced previous list
// so observers still learn who lost the floor.
func (f *floorState) drop(mediaID string) []floorChange {
	var changes []floorChange
	for _, kind := range []floorKind{floorContent, floorConference} {
		f.mu.Lock()
		f.history[kind] = removeFromHistory(f.history[kind], mediaID)
		holder := f.current[kind]
		if holder == nil || holder.ID != mediaID {
			f.mu.Unlock()
			continue
		}
		history := f.history[kind]
		var promoted *media.Unit
		if len(history) > 0 {
			promoted = history[0]
			history = history[1:]
		}
		f.history[kind] = history
		f.current[kind] = promoted
		previous := append([]*media.Unit{holder}, history...)
		f.mu.Unlock()

		changes = append(changes, floorChange{kind: kind, floor: promoted, previous: previous})
	}
	return changes
}

func snapshotHistory(history []*media.Unit) []*media.Unit {
	out := make([]*media.Unit, len(history))
	copy(out, history)
	return out
}

// ContentFloor returns the current content floor holder, if any.
func (r *Room) ContentFloor() *media.Unit {
	return r.floors.get(floorContent)
}

// ConferenceFloor returns the current conference floor holder, if any.
func (r *Room) ConferenceFloor() *media.Unit {
	return r.floors.get(floorConference)
}

// SetContentFloor grants the content floor to a unit.
func (r *Room) SetContentFloor(unit *media.Unit) error {
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaNotFound, "no content unit for floor in room %s", r.ID)
	}
	change := r.floors.set(floorContent, unit)
	r.publishFloorChange(change)
	slog.Info("[Room] Content floor granted", "room_id", r.ID, "media_id", unit.ID)
	return nil
}

// SetConferenceFloor grants the conference video floor. A unit without
// outgoing video falls back to another video source of the same user:
// sibling units of the session first, then the user's other sessions.
func (r *Room) SetConferenceFloor(user *User, session *media.Session, unit *media.Unit) error {
	if unit == nil || !unit.SendsVideo() {
		if user == nil {
			return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "no video source for floor in room %s", r.ID)
		}
		unit = user.VideoSource(session)
	}
	if unit == nil {
		return cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "no video source for floor in room %s", r.ID)
	}
	change := r.floors.set(floorConference, unit)
	r.publishFloorChange(change)
	slog.Info("[Room] Conference floor granted", "room_id", r.ID, "media_id", unit.ID)
	return nil
}

// ReleaseContentFloor releases the content floor, promoting the most
// recent previous holder if one survives.
func (r *Room) ReleaseContentFloor() {
	change, ok := r.floors.release(floorContent)
	if !ok {
		slog.Warn("[Room] Content floor release with no holder", "room_id", r.ID)
		return
	}
	r.publishFloorChange(change)
	slog.Info("[Room] Content floor released", "room_id", r.ID)
}

// ReleaseConferenceFloor releases the conference floor, promoting the
// most recent previous holder if one survives.
func (r *Room) ReleaseConferenceFloor() {
	change, ok := r.floors.release(floorConference)
	if !ok {
		slog.Warn("[Room] Conference floor release with no holder", "room_id", r.ID)
		return
	}
	r.publishFloorChange(change)
	slog.Info("[Room] Conference floor released", "room_id", r.ID)
}

// publishFloorChange announces one floor arbitration outcome.
func (r *Room) publishFloorChange(change floorChange) {
	info := events.FloorInfo{
		PreviousFloor: make([]*events.MediaInfo, 0, len(change.previous)),
	}
	if change.floor != nil {
		info.Floor = change.floor.Info()
	}
	for _, unit := range change.previous {
		info.PreviousFloor = append(info.PreviousFloor, unit.Info())
	}

	evt := events.New(change.kind.eventKind(), r.ID)
	evt.RoomID = r.ID
	if change.floor != nil {
		evt.UserID, evt.MediaID = change.floor.UserID, change.floor.ID
	}
	evt.Data = info
	r.bus.Publish(evt)
}
