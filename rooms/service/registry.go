package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	intotel "github.com/imtaco/conf-sfu/internal/otel"
	"github.com/imtaco/conf-sfu/rooms"
	"github.com/imtaco/conf-sfu/rooms/store"
	"github.com/imtaco/conf-sfu/workers"
)

var tracer = otel.Tracer("rooms")

// roomEntry serializes every mutation of one room. closed is set under mu by
// the teardown that removes the room, so later callers holding a stale entry
// see it as gone.
type roomEntry struct {
	mu     sync.Mutex
	room   *store.Room
	closed bool
	unsubs []engine.Unsubscribe
}

type registryImpl struct {
	cfg           *rooms.Config
	pool          workers.Pool
	transportOpts engine.WebRtcTransportOptions
	streams       rooms.StreamStopper
	notifier      rooms.Notifier
	clock         clockwork.Clock
	logger        *log.Logger

	mu    sync.RWMutex
	rooms map[string]*roomEntry
	sf    singleflight.Group
}

type Option func(*registryImpl)

func WithStreamStopper(s rooms.StreamStopper) Option {
	return func(r *registryImpl) { r.streams = s }
}

func WithNotifier(n rooms.Notifier) Option {
	return func(r *registryImpl) { r.notifier = n }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *registryImpl) { r.clock = c }
}

func NewRegistry(
	cfg *rooms.Config,
	pool workers.Pool,
	transportOpts engine.WebRtcTransportOptions,
	logger *log.Logger,
	opts ...Option,
) rooms.Registry {
	if logger == nil {
		panic("logger is required")
	}
	r := &registryImpl{
		cfg:           cfg,
		pool:          pool,
		transportOpts: transportOpts,
		clock:         clockwork.NewRealClock(),
		logger:        logger,
		rooms:         make(map[string]*roomEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *registryImpl) lookup(roomID string) (*roomEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomID]
	return e, ok
}

// withRoom runs fn inside the room's exclusive section.
func (r *registryImpl) withRoom(roomID string, fn func(e *roomEntry) error) error {
	e, ok := r.lookup(roomID)
	if !ok {
		return errors.Newf(errors.ErrNotFound, "room %s not found", roomID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Newf(errors.ErrNotFound, "room %s not found", roomID)
	}
	return fn(e)
}

// withParticipant is withRoom plus a membership check.
func (r *registryImpl) withParticipant(roomID, participantID string, fn func(e *roomEntry) error) error {
	return r.withRoom(roomID, func(e *roomEntry) error {
		if !e.room.HasParticipant(participantID) {
			return errors.Newf(errors.ErrNotFound, "participant %s not in room %s", participantID, roomID)
		}
		return fn(e)
	})
}

// CreateRoom returns the existing room or places a new one on the least
// loaded worker. Concurrent calls for the same id share one creation.
func (r *registryImpl) CreateRoom(ctx context.Context, roomID string) (*rooms.RoomSummary, error) {
	if e, ok := r.lookup(roomID); ok {
		if s, ok := summaryOf(e); ok {
			return s, nil
		}
	}

	v, err, _ := r.sf.Do(roomID, func() (any, error) {
		if e, ok := r.lookup(roomID); ok {
			if s, ok := summaryOf(e); ok {
				return s, nil
			}
		}
		return r.createRoom(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*rooms.RoomSummary), nil
}

func summaryOf(e *roomEntry) (*rooms.RoomSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	s := e.room.Summary()
	return &s, true
}

func (r *registryImpl) createRoom(ctx context.Context, roomID string) (*rooms.RoomSummary, error) {
	ctx, span := intotel.StartSpan(ctx, tracer, "rooms.create", attribute.String("room.id", roomID))
	defer span.End()

	sel, err := r.pool.SelectWorker()
	if err != nil {
		intotel.RecordError(span, err)
		return nil, err
	}
	router, err := sel.Worker.CreateRouter(ctx, engine.DefaultMediaCodecs())
	if err != nil {
		intotel.RecordError(span, err)
		return nil, errors.Wrapf(errors.ErrEngineFailure, err, "create router for room %s", roomID)
	}
	observer, err := router.CreateActiveSpeakerObserver(ctx, r.cfg.SpeakerInterval)
	if err != nil {
		router.Close()
		intotel.RecordError(span, err)
		return nil, errors.Wrapf(errors.ErrEngineFailure, err, "create speaker observer for room %s", roomID)
	}

	e := &roomEntry{room: store.NewRoom(roomID, sel.ID, router, observer, r.clock.Now())}
	e.unsubs = append(e.unsubs, observer.OnDominantSpeaker(func(producerID string) {
		r.onDominantSpeaker(e, producerID)
	}))

	r.mu.Lock()
	r.rooms[roomID] = e
	r.mu.Unlock()

	roomsCreated.Add(ctx, 1)
	roomsActive.Add(ctx, 1)
	r.logger.Info("room created",
		log.String("roomId", roomID),
		log.Int("workerId", sel.ID),
		log.String("routerId", router.ID()))

	s := e.room.Summary()
	return &s, nil
}

func (r *registryImpl) onDominantSpeaker(e *roomEntry, producerID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	participantID, changed := e.room.SetDominantSpeaker(producerID)
	roomID := e.room.ID
	e.mu.Unlock()

	if !changed {
		return
	}
	if r.notifier != nil {
		r.notifier.DominantSpeakerChanged(roomID, participantID)
	}
}

func (r *registryImpl) JoinRoom(_ context.Context, roomID, participantID string) ([]rooms.ProducerInfo, error) {
	var producers []rooms.ProducerInfo
	err := r.withRoom(roomID, func(e *roomEntry) error {
		if e.room.AddParticipant(participantID) {
			participantsActive.Add(context.Background(), 1)
		}
		producers = e.room.Producers(participantID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("participant joined", log.String("roomId", roomID), log.String("participantId", participantID))
	return producers, nil
}

// LeaveRoom removes the participant and closes everything it owned. The last
// leave stops the room's streams and destroys the room before returning.
func (r *registryImpl) LeaveRoom(ctx context.Context, roomID, participantID string) (*rooms.LeaveResult, error) {
	ctx, span := intotel.StartSpan(ctx, tracer, "rooms.leave",
		attribute.String("room.id", roomID),
		attribute.String("participant.id", participantID))
	defer span.End()

	result := &rooms.LeaveResult{}
	err := r.withRoom(roomID, func(e *roomEntry) error {
		room := e.room
		removed, ok := room.RemoveParticipant(participantID)
		if !ok {
			result.Remaining = room.ParticipantCount()
			return nil
		}
		participantsActive.Add(ctx, -1)

		for _, p := range removed.Producers {
			result.Producers = append(result.Producers, rooms.ProducerInfo{
				ProducerID:    p.ID(),
				ParticipantID: participantID,
				Kind:          p.Kind(),
			})
		}
		r.closeRemoved(ctx, room, removed)

		result.Remaining = room.ParticipantCount()
		if result.Remaining == 0 {
			r.destroy(ctx, e)
			result.Closed = true
		}
		return nil
	})
	if err != nil {
		intotel.RecordError(span, err)
		return nil, err
	}
	r.logger.Info("participant left",
		log.String("roomId", roomID),
		log.String("participantId", participantID),
		log.Int("remaining", result.Remaining))
	return result, nil
}

func (r *registryImpl) closeRemoved(ctx context.Context, room *store.Room, removed *store.Removed) {
	for _, p := range removed.Producers {
		if p.Kind() == engine.KindAudio && room.Observer != nil {
			if err := room.Observer.RemoveProducer(ctx, p.ID()); err != nil {
				r.logger.Warn("failed to remove producer from speaker observer",
					log.String("roomId", room.ID),
					log.String("producerId", p.ID()),
					log.Error(err))
			}
		}
		p.Close()
	}
	for _, c := range removed.Consumers {
		c.Close()
	}
	for _, t := range removed.Transports {
		t.Close()
	}
}

// destroy is the only path that removes a room. Caller holds e.mu.
func (r *registryImpl) destroy(ctx context.Context, e *roomEntry) {
	room := e.room
	e.closed = true

	if r.streams != nil {
		r.streams.StopRoom(ctx, room.ID)
	}

	for _, unsub := range e.unsubs {
		unsub()
	}
	if room.Observer != nil {
		room.Observer.Close()
	}
	room.Router.Close()

	r.mu.Lock()
	if cur, ok := r.rooms[room.ID]; ok && cur == e {
		delete(r.rooms, room.ID)
	}
	r.mu.Unlock()

	roomsClosed.Add(ctx, 1)
	roomsActive.Add(ctx, -1)
	r.logger.Info("room closed", log.String("roomId", room.ID), log.Int("workerId", room.WorkerID))
}

func (r *registryImpl) RtpCapabilities(roomID string) (engine.RtpCapabilities, error) {
	var caps engine.RtpCapabilities
	err := r.withRoom(roomID, func(e *roomEntry) error {
		caps = e.room.Router.RtpCapabilities()
		return nil
	})
	return caps, err
}

// CreateTransport creates the participant's transport for role. A transport
// already held for that role is closed once its replacement exists; if the
// engine fails the prior one stays in place.
func (r *registryImpl) CreateTransport(
	ctx context.Context,
	roomID, participantID string,
	role rooms.TransportRole,
) (*engine.TransportParams, error) {
	var params engine.TransportParams
	err := r.withParticipant(roomID, participantID, func(e *roomEntry) error {
		t, err := e.room.Router.CreateWebRtcTransport(ctx, r.transportOpts)
		if err != nil {
			return errors.Wrap(errors.ErrEngineFailure, err, "create transport")
		}
		if prior := e.room.SetTransport(participantID, role, t); prior != nil {
			r.logger.Info("replacing transport",
				log.String("roomId", roomID),
				log.String("participantId", participantID),
				log.String("role", string(role)),
				log.String("transportId", prior.ID()))
			prior.Close()
		}
		params = t.Params()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &params, nil
}

func (r *registryImpl) ConnectTransport(
	ctx context.Context,
	roomID, participantID, transportID string,
	dtls engine.DtlsParameters,
) error {
	return r.withParticipant(roomID, participantID, func(e *roomEntry) error {
		t, ok := e.room.Transport(participantID, transportID)
		if !ok {
			return errors.Newf(errors.ErrNotFound, "transport %s not found", transportID)
		}
		if err := t.Connect(ctx, dtls); err != nil {
			return errors.Wrap(errors.ErrEngineFailure, err, "connect transport")
		}
		return nil
	})
}

func (r *registryImpl) Produce(
	ctx context.Context,
	roomID, participantID string,
	kind engine.MediaKind,
	rtp engine.RtpParameters,
) (string, error) {
	var producerID string
	err := r.withParticipant(roomID, participantID, func(e *roomEntry) error {
		t, ok := e.room.TransportFor(participantID, rooms.RoleProducer)
		if !ok {
			return errors.New(errors.ErrInvalidState, "producer transport not created")
		}
		p, err := t.Produce(ctx, kind, rtp)
		if err != nil {
			return errors.Wrap(errors.ErrEngineFailure, err, "produce")
		}
		e.room.AddProducer(participantID, p)
		producerID = p.ID()

		if kind == engine.KindAudio && e.room.Observer != nil {
			if err := e.room.Observer.AddProducer(ctx, p.ID()); err != nil {
				r.logger.Warn("failed to add producer to speaker observer",
					log.String("roomId", roomID),
					log.String("producerId", p.ID()),
					log.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	producersCreated.Add(ctx, 1, withKind(kind))
	return producerID, nil
}

// Consume creates one paused consumer per producer of the source participant
// that the router accepts for caps.
func (r *registryImpl) Consume(
	ctx context.Context,
	roomID, participantID, sourceParticipantID string,
	caps engine.RtpCapabilities,
) ([]rooms.ConsumerInfo, error) {
	var out []rooms.ConsumerInfo
	err := r.withParticipant(roomID, participantID, func(e *roomEntry) error {
		room := e.room
		t, ok := room.TransportFor(participantID, rooms.RoleConsumer)
		if !ok {
			return errors.New(errors.ErrInvalidState, "consumer transport not created")
		}
		if !room.HasParticipant(sourceParticipantID) {
			return errors.Newf(errors.ErrNotFound, "participant %s not in room %s", sourceParticipantID, roomID)
		}

		out = make([]rooms.ConsumerInfo, 0)
		for _, p := range room.ProducersOf(sourceParticipantID) {
			if p.Closed() {
				continue
			}
			ok, err := room.Router.CanConsume(ctx, p.ID(), caps)
			if err != nil {
				return errors.Wrap(errors.ErrEngineFailure, err, "can consume")
			}
			if !ok {
				r.logger.Debug("cannot consume producer",
					log.String("roomId", roomID),
					log.String("producerId", p.ID()))
				continue
			}
			c, err := t.Consume(ctx, engine.ConsumeOptions{
				ProducerID:      p.ID(),
				RtpCapabilities: caps,
				Paused:          true,
			})
			if err != nil {
				return errors.Wrap(errors.ErrEngineFailure, err, "consume")
			}
			room.AddConsumer(participantID, sourceParticipantID, c)
			out = append(out, rooms.ConsumerInfo{
				ConsumerID:    c.ID(),
				ProducerID:    p.ID(),
				Kind:          c.Kind(),
				RtpParameters: c.RtpParameters(),
				Paused:        c.Paused(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	consumersCreated.Add(ctx, int64(len(out)))
	return out, nil
}

func (r *registryImpl) Resume(ctx context.Context, roomID, participantID, consumerID string) error {
	return r.withParticipant(roomID, participantID, func(e *roomEntry) error {
		c, ok := e.room.Consumer(participantID, consumerID)
		if !ok {
			return errors.Newf(errors.ErrNotFound, "consumer %s not found", consumerID)
		}
		if err := c.Resume(ctx); err != nil {
			return errors.Wrap(errors.ErrEngineFailure, err, "resume consumer")
		}
		return nil
	})
}

func (r *registryImpl) Producers(roomID, excludeParticipantID string) ([]rooms.ProducerInfo, error) {
	var out []rooms.ProducerInfo
	err := r.withRoom(roomID, func(e *roomEntry) error {
		out = e.room.Producers(excludeParticipantID)
		return nil
	})
	return out, err
}

func (r *registryImpl) StreamSources(roomID string) (*rooms.StreamSources, error) {
	src := &rooms.StreamSources{RoomID: roomID}
	err := r.withRoom(roomID, func(e *roomEntry) error {
		src.Router = e.room.Router
		for _, p := range e.room.LiveProducers() {
			switch p.Kind() {
			case engine.KindAudio:
				src.Audio = append(src.Audio, p)
			case engine.KindVideo:
				src.Video = append(src.Video, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (r *registryImpl) RoomState(roomID string) (*rooms.RoomState, error) {
	var state *rooms.RoomState
	err := r.withRoom(roomID, func(e *roomEntry) error {
		state = e.room.Snapshot()
		return nil
	})
	return state, err
}

func (r *registryImpl) AllRooms() []rooms.RoomSummary {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]rooms.RoomSummary, 0, len(entries))
	for _, e := range entries {
		if s, ok := summaryOf(e); ok {
			out = append(out, *s)
		}
	}
	sortSummaries(out)
	return out
}

// CloseAll tears down every room as if its last participant left.
func (r *registryImpl) CloseAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	start := time.Now()
	for _, e := range entries {
		e.mu.Lock()
		if !e.closed {
			state := e.room.Snapshot()
			for _, p := range state.Participants {
				if removed, ok := e.room.RemoveParticipant(p.ParticipantID); ok {
					r.closeRemoved(ctx, e.room, removed)
					participantsActive.Add(ctx, -1)
				}
			}
			r.destroy(ctx, e)
		}
		e.mu.Unlock()
	}
	r.logger.Info("all rooms closed", log.Int("rooms", len(entries)), log.Duration("took", time.Since(start)))
}

func sortSummaries(s []rooms.RoomSummary) {
	sort.Slice(s, func(i, j int) bool { return s[i].RoomID < s[j].RoomID })
}
