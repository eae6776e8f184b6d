// Package store holds the per-room session graph. Entities are kept in flat
// tables keyed by id and reference each other by id only, so removing a
// participant is a bounded set of map deletions. A Room is not safe for
// concurrent use; callers serialize access per room.
package store

import (
	"sort"
	"time"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/rooms"
)

type participant struct {
	id                string
	seq               int
	producerTransport string
	consumerTransport string
	producers         []string
}

type transportEntry struct {
	handle engine.WebRtcTransport
	owner  string
	role   rooms.TransportRole
}

type producerEntry struct {
	handle engine.Producer
	owner  string
	seq    int
}

type consumerEntry struct {
	handle engine.Consumer
	owner  string
	source string
}

type Room struct {
	ID        string
	WorkerID  int
	Router    engine.Router
	Observer  engine.ActiveSpeakerObserver
	CreatedAt time.Time

	seq             int
	participants    map[string]*participant
	transports      map[string]*transportEntry
	producers       map[string]*producerEntry
	consumers       map[string]*consumerEntry
	dominantSpeaker string
}

func NewRoom(id string, workerID int, router engine.Router, observer engine.ActiveSpeakerObserver, createdAt time.Time) *Room {
	return &Room{
		ID:           id,
		WorkerID:     workerID,
		Router:       router,
		Observer:     observer,
		CreatedAt:    createdAt,
		participants: make(map[string]*participant),
		transports:   make(map[string]*transportEntry),
		producers:    make(map[string]*producerEntry),
		consumers:    make(map[string]*consumerEntry),
	}
}

func (r *Room) nextSeq() int {
	r.seq++
	return r.seq
}

// AddParticipant reports false if the participant is already in the room.
func (r *Room) AddParticipant(participantID string) bool {
	if _, ok := r.participants[participantID]; ok {
		return false
	}
	r.participants[participantID] = &participant{id: participantID, seq: r.nextSeq()}
	return true
}

func (r *Room) HasParticipant(participantID string) bool {
	_, ok := r.participants[participantID]
	return ok
}

func (r *Room) ParticipantCount() int {
	return len(r.participants)
}

// SetTransport installs t as the participant's transport for role and returns
// the transport it replaced, if any. The replaced entry is dropped from the
// tables; closing it is up to the caller.
func (r *Room) SetTransport(participantID string, role rooms.TransportRole, t engine.WebRtcTransport) engine.WebRtcTransport {
	p, ok := r.participants[participantID]
	if !ok {
		return nil
	}
	slot := &p.producerTransport
	if role == rooms.RoleConsumer {
		slot = &p.consumerTransport
	}

	var prior engine.WebRtcTransport
	if old, ok := r.transports[*slot]; ok {
		prior = old.handle
		delete(r.transports, *slot)
	}
	*slot = t.ID()
	r.transports[t.ID()] = &transportEntry{handle: t, owner: participantID, role: role}
	return prior
}

// Transport resolves transportID among the participant's own transports.
func (r *Room) Transport(participantID, transportID string) (engine.WebRtcTransport, bool) {
	e, ok := r.transports[transportID]
	if !ok || e.owner != participantID {
		return nil, false
	}
	return e.handle, true
}

// TransportFor returns the participant's transport for role.
func (r *Room) TransportFor(participantID string, role rooms.TransportRole) (engine.WebRtcTransport, bool) {
	p, ok := r.participants[participantID]
	if !ok {
		return nil, false
	}
	id := p.producerTransport
	if role == rooms.RoleConsumer {
		id = p.consumerTransport
	}
	e, ok := r.transports[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

func (r *Room) AddProducer(participantID string, prod engine.Producer) {
	p, ok := r.participants[participantID]
	if !ok {
		return
	}
	p.producers = append(p.producers, prod.ID())
	r.producers[prod.ID()] = &producerEntry{handle: prod, owner: participantID, seq: r.nextSeq()}
}

// ProducersOf returns the participant's producers in creation order.
func (r *Room) ProducersOf(participantID string) []engine.Producer {
	p, ok := r.participants[participantID]
	if !ok {
		return nil
	}
	out := make([]engine.Producer, 0, len(p.producers))
	for _, id := range p.producers {
		if e, ok := r.producers[id]; ok {
			out = append(out, e.handle)
		}
	}
	return out
}

// Producers lists every producer of the room in creation order, skipping
// those owned by exclude.
func (r *Room) Producers(exclude string) []rooms.ProducerInfo {
	entries := make([]*producerEntry, 0, len(r.producers))
	for _, e := range r.producers {
		if e.owner != exclude {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]rooms.ProducerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, rooms.ProducerInfo{
			ProducerID:    e.handle.ID(),
			ParticipantID: e.owner,
			Kind:          e.handle.Kind(),
		})
	}
	return out
}

// LiveProducers returns the room's non-closed producers in creation order.
func (r *Room) LiveProducers() []engine.Producer {
	entries := make([]*producerEntry, 0, len(r.producers))
	for _, e := range r.producers {
		if !e.handle.Closed() {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]engine.Producer, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.handle)
	}
	return out
}

func (r *Room) ProducerOwner(producerID string) (string, bool) {
	e, ok := r.producers[producerID]
	if !ok {
		return "", false
	}
	return e.owner, true
}

func (r *Room) AddConsumer(participantID, sourceParticipantID string, c engine.Consumer) {
	r.consumers[c.ID()] = &consumerEntry{handle: c, owner: participantID, source: sourceParticipantID}
}

// Consumer resolves consumerID among the participant's own consumers.
func (r *Room) Consumer(participantID, consumerID string) (engine.Consumer, bool) {
	e, ok := r.consumers[consumerID]
	if !ok || e.owner != participantID {
		return nil, false
	}
	return e.handle, true
}

// Removed holds the handles dropped by RemoveParticipant. They are already
// gone from the tables; the caller closes them.
type Removed struct {
	Transports []engine.WebRtcTransport
	Producers  []engine.Producer
	Consumers  []engine.Consumer
}

// RemoveParticipant drops the participant and everything it owns, plus the
// consumers of other participants fed by its producers.
func (r *Room) RemoveParticipant(participantID string) (*Removed, bool) {
	p, ok := r.participants[participantID]
	if !ok {
		return nil, false
	}
	removed := &Removed{}

	for _, id := range []string{p.producerTransport, p.consumerTransport} {
		if e, ok := r.transports[id]; ok {
			removed.Transports = append(removed.Transports, e.handle)
			delete(r.transports, id)
		}
	}
	for _, id := range p.producers {
		if e, ok := r.producers[id]; ok {
			removed.Producers = append(removed.Producers, e.handle)
			delete(r.producers, id)
		}
	}

	ids := make([]string, 0)
	for id, e := range r.consumers {
		if e.owner == participantID || e.source == participantID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		removed.Consumers = append(removed.Consumers, r.consumers[id].handle)
		delete(r.consumers, id)
	}

	if r.dominantSpeaker == participantID {
		r.dominantSpeaker = ""
	}
	delete(r.participants, participantID)
	return removed, true
}

// SetDominantSpeaker maps the observer's producer id to its owner. It reports
// the owner and whether the dominant speaker changed.
func (r *Room) SetDominantSpeaker(producerID string) (string, bool) {
	owner, ok := r.ProducerOwner(producerID)
	if !ok || owner == r.dominantSpeaker {
		return owner, false
	}
	r.dominantSpeaker = owner
	return owner, true
}

func (r *Room) DominantSpeaker() string {
	return r.dominantSpeaker
}

func (r *Room) Summary() rooms.RoomSummary {
	return rooms.RoomSummary{
		RoomID:       r.ID,
		WorkerID:     r.WorkerID,
		RouterID:     r.Router.ID(),
		Participants: len(r.participants),
	}
}

func (r *Room) Snapshot() *rooms.RoomState {
	ps := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })

	consumerCount := map[string]int{}
	consumers := make([]rooms.ConsumerState, 0, len(r.consumers))
	for id, e := range r.consumers {
		consumerCount[e.owner]++
		consumers = append(consumers, rooms.ConsumerState{
			ConsumerID:          id,
			ProducerID:          e.handle.ProducerID(),
			ParticipantID:       e.owner,
			SourceParticipantID: e.source,
			Kind:                e.handle.Kind(),
			Paused:              e.handle.Paused(),
		})
	}
	sort.Slice(consumers, func(i, j int) bool { return consumers[i].ConsumerID < consumers[j].ConsumerID })

	state := &rooms.RoomState{
		RoomID:          r.ID,
		WorkerID:        r.WorkerID,
		RouterID:        r.Router.ID(),
		Participants:    make([]rooms.ParticipantState, 0, len(ps)),
		Producers:       r.Producers(""),
		Consumers:       consumers,
		DominantSpeaker: r.dominantSpeaker,
		CreatedAt:       r.CreatedAt,
	}
	for _, p := range ps {
		state.Participants = append(state.Participants, rooms.ParticipantState{
			ParticipantID:     p.id,
			ProducerTransport: p.producerTransport,
			ConsumerTransport: p.consumerTransport,
			ProducerCount:     len(p.producers),
			ConsumerCount:     consumerCount[p.id],
		})
	}
	return state
}
