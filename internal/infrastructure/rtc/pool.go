package rtc

import (
	"context"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

type mediaKey struct {
	stream      domain.StreamID
	participant domain.ParticipantID
}

// Pool keeps one Adapter, and so one engine, per (stream, participant).
// Breakers are shared so a failing engine class trips for every session.
type Pool struct {
	factory  ports.EngineFactory
	breakers *circuitbreaker.Registry
	cfg      Config
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	adapters map[mediaKey]*Adapter
}

func NewPool(factory ports.EngineFactory, breakers *circuitbreaker.Registry, cfg Config, logger *zap.SugaredLogger) *Pool {
	return &Pool{
		factory:  factory,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		adapters: make(map[mediaKey]*Adapter),
	}
}

var _ ports.MediaSessions = (*Pool)(nil)

func (p *Pool) Adapter(streamID domain.StreamID, participantID domain.ParticipantID) ports.RTCAdapter {
	key := mediaKey{stream: streamID, participant: participantID}

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[key]; ok {
		return a
	}
	a := NewAdapter(p.factory, p.breakers, p.cfg,
		p.logger.With("stream_id", streamID, "participant_id", participantID))
	p.adapters[key] = a
	return a
}

func (p *Pool) Lookup(streamID domain.StreamID, participantID domain.ParticipantID) (ports.RTCAdapter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.adapters[mediaKey{stream: streamID, participant: participantID}]
	if !ok {
		return nil, false
	}
	return a, true
}

func (p *Pool) Release(ctx context.Context, streamID domain.StreamID, participantID domain.ParticipantID) {
	p.mu.Lock()
	a, ok := p.adapters[mediaKey{stream: streamID, participant: participantID}]
	p.mu.Unlock()
	if ok {
		a.Destroy(ctx)
	}
}

func (p *Pool) ReleaseStream(ctx context.Context, streamID domain.StreamID) {
	p.mu.Lock()
	var released []*Adapter
	for key, a := range p.adapters {
		if key.stream == streamID {
			released = append(released, a)
			delete(p.adapters, key)
		}
	}
	p.mu.Unlock()

	for _, a := range released {
		a.Destroy(ctx)
	}
	if len(released) > 0 {
		p.logger.Infow("released stream media", "stream_id", streamID, "sessions", len(released))
	}
}

// Len reports how many media sessions are registered.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.adapters)
}

// Close destroys every adapter.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	all := p.adapters
	p.adapters = make(map[mediaKey]*Adapter)
	p.mu.Unlock()

	for _, a := range all {
		a.Destroy(ctx)
	}
}
