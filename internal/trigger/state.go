package trigger

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// eventIDTTL bounds how long synthesized ids for id-less events are kept.
const eventIDTTL = 24 * time.Hour

type observation struct {
	value string
	since time.Time
}

// State is the evaluator's memory between ticks. It is not safe for
// concurrent use; the scheduler loop serializes access.
type State struct {
	obs      map[string]observation
	eventIDs map[string]eventID
	newID    func() string
}

type eventID struct {
	id string
	at time.Time
}

func NewState() *State {
	return &State{
		obs:      map[string]observation{},
		eventIDs: map[string]eventID{},
		newID:    uuid.NewString,
	}
}

// observe records the current value of every state in snap. A value change
// restarts the dwell clock at now unless the snapshot reports its own Since.
func (s *State) observe(now time.Time, snap Snapshot) {
	for name, sv := range snap.States {
		prev, ok := s.obs[name]
		switch {
		case !sv.Since.IsZero():
			s.obs[name] = observation{value: sv.Value, since: sv.Since}
		case !ok || prev.value != sv.Value:
			s.obs[name] = observation{value: sv.Value, since: now}
		}
	}
	for name := range s.obs {
		if _, ok := snap.States[name]; !ok {
			delete(s.obs, name)
		}
	}
}

// Since returns when the current value of a named state was first observed.
func (s *State) Since(name string) (value string, since time.Time, ok bool) {
	o, ok := s.obs[name]
	return o.value, o.since, ok
}

// idFor returns a stable id for ev, minting one when the event has none.
func (s *State) idFor(ev Event) string {
	if ev.ID != "" {
		return ev.ID
	}
	key := ev.Kind + "@" + strconv.FormatInt(ev.At.UnixNano(), 10)
	if e, ok := s.eventIDs[key]; ok {
		return e.id
	}
	id := s.newID()
	s.eventIDs[key] = eventID{id: id, at: ev.At}
	return id
}

func (s *State) prune(now time.Time) {
	for k, e := range s.eventIDs {
		if now.Sub(e.at) > eventIDTTL {
			delete(s.eventIDs, k)
		}
	}
}
