package circuitbreaker

import "sync"

// Operation classes guarded by independent breakers.
const (
	ClassChannelJoin       = "channel_join"
	ClassEngineCleanup     = "engine_cleanup"
	ClassStreamAccess      = "stream_access"
	ClassStreamingRecovery = "streaming_recovery"
)

// Registry hands out one breaker per named operation class.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
	fallback Config
	opts     []Option

	onStateChange func(name string, from, to State)
}

// NewRegistry creates a registry. Classes without an entry in configs use fallback.
func NewRegistry(configs map[string]Config, fallback Config, opts ...Option) *Registry {
	copied := make(map[string]Config, len(configs))
	for name, cfg := range configs {
		copied[name] = cfg
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		configs:  copied,
		fallback: fallback,
		opts:     opts,
	}
}

// OnStateChange registers a listener applied to every breaker, including
// ones created later.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onStateChange = fn
	for name, cb := range r.breakers {
		r.attach(name, cb)
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.fallback
	}
	opts := append([]Option{WithName(name)}, r.opts...)
	cb = New(cfg, opts...)
	r.attach(name, cb)
	r.breakers[name] = cb
	return cb
}

func (r *Registry) attach(name string, cb *CircuitBreaker) {
	if r.onStateChange == nil {
		return
	}
	fn := r.onStateChange
	cb.OnStateChange(func(from, to State) {
		fn(name, from, to)
	})
}

// Stats returns a snapshot of every breaker created so far.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.GetStats()
	}
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
