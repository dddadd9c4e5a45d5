package probes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	// ErrNoSuchProgram is returned when the loaded object lacks probe_handler.
	ErrNoSuchProgram = errors.New("no such program")
	// ErrAttachFailed is returned when the kernel refuses the probe.
	ErrAttachFailed = errors.New("attaching probe failed")
	// ErrConfigUpdateFailed is returned when PROBE_CONFIG rejects a write,
	// typically because it is full.
	ErrConfigUpdateFailed = errors.New("probe config update failed")
	// ErrCookieExhausted is returned once every cookie has been handed out.
	ErrCookieExhausted = errors.New("probe cookies exhausted")
	// ErrUnknownCookie is returned when configuring a probe that is not
	// attached.
	ErrUnknownCookie = errors.New("unknown probe cookie")
)

// Attacher instruments functions. *bpfloader.Loader implements it.
type Attacher interface {
	HasProgram(name string) bool
	AttachUprobe(program, function, target string, pid int, cookie uint64) (io.Closer, error)
}

// ConfigStore is the PROBE_CONFIG map.
type ConfigStore interface {
	Put(key, value any) error
	Delete(key any) error
}

// Probe describes one attached probe.
type Probe struct {
	Cookie   uint64
	Function string
	Target   string
	// PID scopes the probe to one process; 0 means every process.
	PID    int
	Config bpf.ProbeConfig
}

type entry struct {
	probe Probe
	link  io.Closer
}

// Manager owns the probe links and their configuration. A single mutex
// covers the cookie counter and both tables; none of its methods run on the
// record path.
type Manager struct {
	mu        sync.Mutex
	attacher  Attacher
	store     ConfigStore
	next      uint64
	exhausted bool
	probes    map[uint64]*entry

	logger  *zap.Logger
	metrics *telemetry.Pipeline
	tracer  trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics pipeline.
func WithMetrics(p *telemetry.Pipeline) Option {
	return func(m *Manager) { m.metrics = p }
}

// WithTracer sets the tracer for attach and detach spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// NewManager returns a Manager attaching through attacher and mirroring
// configuration into store.
func NewManager(attacher Attacher, store ConfigStore, opts ...Option) *Manager {
	m := &Manager{
		attacher: attacher,
		store:    store,
		next:     1,
		probes:   make(map[uint64]*entry),
		logger:   zap.NewNop(),
		metrics:  telemetry.Discard(),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) allocate() (uint64, error) {
	if m.exhausted {
		return 0, ErrCookieExhausted
	}
	cookie := m.next
	if cookie == math.MaxUint64 {
		m.exhausted = true
	} else {
		m.next++
	}
	return cookie, nil
}

// Attach instruments function in target, optionally only in process pid,
// and returns its cookie. The probe starts with a zero configuration: no
// arguments captured.
//
// A cookie is consumed even when attaching fails, so cookies identify
// attempts and are never reused.
func (m *Manager) Attach(ctx context.Context, function, target string, pid int) (cookie uint64, err error) {
	_, span := m.tracer.Start(ctx, "probes.Attach", trace.WithAttributes(
		attribute.String("probe.function", function),
		attribute.String("probe.target", target),
		attribute.Int("probe.pid", pid),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.metrics.ProbeAttachFailures(1)
		} else {
			span.SetAttributes(attribute.Int64("probe.cookie", int64(cookie))) //nolint:gosec // display only
		}
		span.End()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.attacher.HasProgram(bpf.ProgramProbeHandler) {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchProgram, bpf.ProgramProbeHandler)
	}

	cookie, err = m.allocate()
	if err != nil {
		return 0, err
	}

	link, err := m.attacher.AttachUprobe(bpf.ProgramProbeHandler, function, target, pid, cookie)
	if err != nil {
		return 0, fmt.Errorf("%w: %s in %s: %w", ErrAttachFailed, function, target, err)
	}

	var cfg bpf.ProbeConfig
	if err := m.store.Put(cookie, &cfg); err != nil {
		if cerr := link.Close(); cerr != nil {
			m.logger.Warn("closing probe link", zap.Uint64("cookie", cookie), zap.Error(cerr))
		}
		return 0, fmt.Errorf("%w: cookie %d: %w", ErrConfigUpdateFailed, cookie, err)
	}

	m.probes[cookie] = &entry{
		probe: Probe{Cookie: cookie, Function: function, Target: target, PID: pid, Config: cfg},
		link:  link,
	}
	m.metrics.ProbesAttached(1)
	m.metrics.ActiveProbes(float64(len(m.probes)))
	m.logger.Info("probe attached",
		zap.Uint64("cookie", cookie),
		zap.String("function", function),
		zap.String("target", target),
		zap.Int("pid", pid),
	)
	return cookie, nil
}

// Detach removes the probe and its configuration. Unknown cookies are
// ignored so racing detaches are harmless.
func (m *Manager) Detach(ctx context.Context, cookie uint64) error {
	_, span := m.tracer.Start(ctx, "probes.Detach", trace.WithAttributes(
		attribute.Int64("probe.cookie", int64(cookie)), //nolint:gosec // display only
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.detachLocked(cookie)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) detachLocked(cookie uint64) error {
	e, ok := m.probes[cookie]
	if !ok {
		return nil
	}
	delete(m.probes, cookie)
	m.metrics.ProbesDetached(1)
	m.metrics.ActiveProbes(float64(len(m.probes)))

	var errs []error
	if err := m.store.Delete(cookie); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		errs = append(errs, fmt.Errorf("deleting config of cookie %d: %w", cookie, err))
	}
	if err := e.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing probe %d: %w", cookie, err))
	}

	m.logger.Info("probe detached", zap.Uint64("cookie", cookie), zap.String("function", e.probe.Function))
	return errors.Join(errs...)
}

// UpdateConfig replaces the configuration of an attached probe. The mirror
// changes only if the map write succeeds.
func (m *Manager) UpdateConfig(ctx context.Context, cookie uint64, cfg bpf.ProbeConfig) error {
	_, span := m.tracer.Start(ctx, "probes.UpdateConfig", trace.WithAttributes(
		attribute.Int64("probe.cookie", int64(cookie)), //nolint:gosec // display only
		attribute.Int("probe.num_args", int(cfg.NumArgs)),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.probes[cookie]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCookie, cookie)
	}
	if err := m.store.Put(cookie, &cfg); err != nil {
		err = fmt.Errorf("%w: cookie %d: %w", ErrConfigUpdateFailed, cookie, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.probe.Config = cfg
	return nil
}

// Get returns the probe attached under cookie.
func (m *Manager) Get(cookie uint64) (Probe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.probes[cookie]
	if !ok {
		return Probe{}, false
	}
	return e.probe, true
}

// List returns the attached probes ordered by cookie.
func (m *Manager) List() []Probe {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Probe, 0, len(m.probes))
	for _, cookie := range slices.Sorted(maps.Keys(m.probes)) {
		out = append(out, m.probes[cookie].probe)
	}
	return out
}

// Close detaches every probe.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, cookie := range slices.Sorted(maps.Keys(m.probes)) {
		if err := m.detachLocked(cookie); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
