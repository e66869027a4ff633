package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loom/internal/loomevent"
)

// Provider is implemented by anything the Broker can invoke a
// capability against — a native in-process handler, or an External
// proxy (MCP, gRPC bridge, the example MQTT provider). Registration
// stores Provider values behind the Descriptor; invocation is
// dynamically dispatched through this interface (spec §9 "Dynamic
// dispatch in the Broker").
type Provider interface {
	// Invoke executes call and returns its result. Providers that
	// support cooperative cancellation should observe ctx.Done() and
	// return promptly; providers that don't will have their eventual
	// result discarded by the Broker once the call's deadline passes
	// (spec §4.2 Cancellation).
	Invoke(ctx context.Context, call loomevent.Call) (loomevent.Result, error)
}

type registration struct {
	descriptor loomevent.Descriptor
	provider   Provider
	sem        chan struct{} // nil when ConcurrencyCap == 0 (unbounded)
}

// Config controls Broker defaults not carried on individual
// descriptors (spec §4.2).
type Config struct {
	DefaultTimeout    time.Duration
	IdempotencyTTL    time.Duration
	IdempotencyMaxTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 60 * time.Second
	}
	if c.IdempotencyMaxTTL == 0 {
		c.IdempotencyMaxTTL = 10 * time.Minute
	}
	return c
}

// Broker is a registry and invoker for named, versioned capabilities
// (spec §4.2). The zero value is not ready for use; construct with New.
type Broker struct {
	logger *slog.Logger
	cfg    Config

	mu     sync.RWMutex
	byName map[string]map[string]*registration // name -> version -> registration
	latest map[string]string                   // name -> most recently registered version

	cache *idemCache

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	stopSweep chan struct{}
}

// inflightCall tracks one idempotent invocation already in progress, so
// a second concurrent call with the same (capability, call id) waits on
// the first instead of invoking the provider again (spec §4.2
// idempotency: "invoke the provider exactly once").
type inflightCall struct {
	done   chan struct{}
	result loomevent.Result
}

// New creates a Broker ready for use and starts its idempotency cache
// TTL sweep goroutine. Call Close to stop the sweep.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	b := &Broker{
		logger:    logger,
		cfg:       cfg,
		byName:    make(map[string]map[string]*registration),
		latest:    make(map[string]string),
		cache:     newIdemCache(cfg.IdempotencyTTL, cfg.IdempotencyMaxTTL),
		inflight:  make(map[string]*inflightCall),
		stopSweep: make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Close stops the background idempotency cache sweep.
func (b *Broker) Close() {
	close(b.stopSweep)
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case now := <-ticker.C:
			b.cache.sweep(now)
		}
	}
}

// Register adds or replaces a capability. Idempotent per (name,
// version): if the pair already exists and allowOverride is false,
// returns ErrAlreadyRegistered (spec §4.2).
func (b *Broker) Register(desc loomevent.Descriptor, provider Provider, allowOverride bool) error {
	if desc.Name == "" || desc.Version == "" {
		return fmt.Errorf("broker: descriptor name and version are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	versions, ok := b.byName[desc.Name]
	if !ok {
		versions = make(map[string]*registration)
		b.byName[desc.Name] = versions
	}
	if _, exists := versions[desc.Version]; exists && !allowOverride {
		return &ErrAlreadyRegistered{Name: desc.Name, Version: desc.Version}
	}

	reg := &registration{descriptor: desc, provider: provider}
	if desc.ConcurrencyCap > 0 {
		reg.sem = make(chan struct{}, desc.ConcurrencyCap)
	}
	versions[desc.Version] = reg
	b.latest[desc.Name] = desc.Version

	b.logger.Debug("broker register", "name", desc.Name, "version", desc.Version, "provider_kind", desc.ProviderKind.String(), "idempotent", desc.Idempotent)
	return nil
}

// Deregister removes a capability version.
func (b *Broker) Deregister(name, version string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if versions, ok := b.byName[name]; ok {
		delete(versions, version)
		if len(versions) == 0 {
			delete(b.byName, name)
			delete(b.latest, name)
		} else if b.latest[name] == version {
			// Arbitrary remaining version becomes latest; callers that
			// care about a specific version should always qualify it.
			for v := range versions {
				b.latest[name] = v
				break
			}
		}
	}
}

// List returns the latest-version descriptor for every registered
// capability name.
func (b *Broker) List() []loomevent.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]loomevent.Descriptor, 0, len(b.byName))
	for name, version := range b.latest {
		out = append(out, b.byName[name][version].descriptor)
	}
	return out
}

func (b *Broker) lookup(name, version string) (*registration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	versions, ok := b.byName[name]
	if !ok {
		return nil, false
	}
	if version == "" {
		version = b.latest[name]
	}
	reg, ok := versions[version]
	return reg, ok
}

// Invoke executes call against its target capability, enforcing
// timeout, idempotency caching, concurrency caps, and the error
// taxonomy of spec §4.2/§7. Unlike a typical Go API, Invoke never
// returns a Go error for domain-level failures — every failure mode
// the spec enumerates is represented in the returned Result, matching
// "invoke(call) → Result" in spec §4.2's public contract.
func (b *Broker) Invoke(ctx context.Context, call loomevent.Call) loomevent.Result {
	reg, ok := b.lookup(call.Name, call.Version)
	if !ok {
		return loomevent.Result{ID: call.ID, Status: loomevent.StatusNotFound}
	}
	desc := reg.descriptor

	if err := validateArguments(desc.ParametersSchema, call.Arguments); err != nil {
		return loomevent.Result{
			ID:     call.ID,
			Status: loomevent.StatusInvalidArguments,
			Err:    &loomevent.CallError{Code: loomevent.ErrCodeInvalidArguments, Message: err.Error()},
		}
	}

	inflightKey := desc.Name + "/" + call.ID

	if desc.Idempotent {
		if cached, hit := b.cache.get(desc.Name, call.ID); hit {
			return cached
		}

		b.inflightMu.Lock()
		if existing, waiting := b.inflight[inflightKey]; waiting {
			b.inflightMu.Unlock()
			<-existing.done
			return existing.result
		}
		inflight := &inflightCall{done: make(chan struct{})}
		b.inflight[inflightKey] = inflight
		b.inflightMu.Unlock()

		result := b.invokeAndCache(ctx, reg, desc, call)

		inflight.result = result
		close(inflight.done)
		b.inflightMu.Lock()
		delete(b.inflight, inflightKey)
		b.inflightMu.Unlock()

		return result
	}

	return b.invokeAndCache(ctx, reg, desc, call)
}

// invokeAndCache resolves the effective timeout, acquires the
// capability's concurrency-cap semaphore if any, invokes the provider,
// and — for idempotent capabilities — caches a successful result. The
// caller is responsible for single-flighting concurrent idempotent
// calls before reaching here.
func (b *Broker) invokeAndCache(ctx context.Context, reg *registration, desc loomevent.Descriptor, call loomevent.Call) loomevent.Result {
	timeout := call.Timeout
	if timeout == 0 {
		timeout = desc.DefaultTimeout
	}
	if timeout == 0 {
		timeout = b.cfg.DefaultTimeout
	}

	if reg.sem != nil {
		acquireCtx, cancel := context.WithTimeout(ctx, timeout)
		select {
		case reg.sem <- struct{}{}:
			cancel()
			defer func() { <-reg.sem }()
		case <-acquireCtx.Done():
			cancel()
			return loomevent.Result{
				ID:     call.ID,
				Status: loomevent.StatusTimeout,
				Err:    &loomevent.CallError{Code: loomevent.ErrCodeTimeout, Message: "concurrency cap wait exceeded timeout", Retryable: loomevent.Retryable(loomevent.ErrCodeTimeout)},
			}
		}
	}

	call = seedCallTrace(call)

	result := b.invokeProvider(ctx, reg.provider, call, timeout)

	if desc.Idempotent && result.Status == loomevent.StatusOk {
		b.cache.put(desc.Name, call.ID, result)
	}
	return result
}

// CacheHits returns the number of idempotency cache hits served since
// the Broker was created (spec §4.2 "increments a cache_hit counter").
func (b *Broker) CacheHits() int64 {
	return b.cache.cacheHits()
}

type providerOutcome struct {
	result loomevent.Result
	err    error
}

// invokeProvider runs provider.Invoke with a deadline of timeout. If
// the deadline passes before the provider responds, invokeProvider
// returns a Timeout result immediately and detaches: the provider's
// eventual completion (if the provider doesn't honor ctx cancellation)
// is received on a buffered channel and discarded, never cached (spec
// §4.2 Cancellation).
func (b *Broker) invokeProvider(ctx context.Context, provider Provider, call loomevent.Call, timeout time.Duration) loomevent.Result {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := make(chan providerOutcome, 1)
	go func() {
		res, err := provider.Invoke(callCtx, call)
		outcome <- providerOutcome{result: res, err: err}
	}()

	select {
	case out := <-outcome:
		return classify(call, out)
	case <-callCtx.Done():
		b.logger.Debug("broker invoke timed out", "capability", call.Name, "call_id", call.ID)
		return loomevent.Result{
			ID:     call.ID,
			Status: loomevent.StatusTimeout,
			Err:    &loomevent.CallError{Code: loomevent.ErrCodeTimeout, Message: "capability invocation exceeded timeout", Retryable: loomevent.Retryable(loomevent.ErrCodeTimeout)},
		}
	}
}

// classify turns a provider's (Result, error) pair into the final
// Result, applying the error taxonomy of spec §4.2/§7.
func classify(call loomevent.Call, out providerOutcome) loomevent.Result {
	if out.err == nil {
		res := out.result
		res.ID = call.ID
		if res.Status == loomevent.StatusOk && res.Err == nil {
			return res
		}
		return res
	}

	var transportErr *TransportError
	var policyErr *PolicyViolationError
	switch {
	case asTransportError(out.err, &transportErr):
		return loomevent.Result{
			ID:     call.ID,
			Status: loomevent.StatusError,
			Err:    &loomevent.CallError{Code: loomevent.ErrCodeTransportError, Message: out.err.Error(), Retryable: loomevent.Retryable(loomevent.ErrCodeTransportError)},
		}
	case asPolicyViolationError(out.err, &policyErr):
		return loomevent.Result{
			ID:     call.ID,
			Status: loomevent.StatusError,
			Err:    &loomevent.CallError{Code: loomevent.ErrCodePolicyViolation, Message: out.err.Error(), Retryable: loomevent.Retryable(loomevent.ErrCodePolicyViolation)},
		}
	default:
		return loomevent.Result{
			ID:     call.ID,
			Status: loomevent.StatusError,
			Err:    &loomevent.CallError{Code: loomevent.ErrCodeProviderError, Message: out.err.Error(), Retryable: loomevent.Retryable(loomevent.ErrCodeProviderError)},
		}
	}
}

func asTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}

func asPolicyViolationError(err error, target **PolicyViolationError) bool {
	pe, ok := err.(*PolicyViolationError)
	if ok {
		*target = pe
	}
	return ok
}

// seedCallTrace propagates trace context found in call.Headers, or
// seeds a new span if none is present (spec §4.2 "Trace context").
func seedCallTrace(call loomevent.Call) loomevent.Call {
	if call.Headers == nil {
		call.Headers = make(map[string]string, 2)
	}
	if call.Headers[loomevent.KeyTraceID] != "" {
		return call
	}
	traceID, err := uuid.NewV7()
	if err != nil {
		return call
	}
	spanID, err := uuid.NewV7()
	if err != nil {
		return call
	}
	call.Headers[loomevent.KeyTraceID] = traceID.String()
	call.Headers[loomevent.KeySpanID] = spanID.String()
	return call
}
