// Package bpfloader loads the compiled producer object and manages its
// kernel attachments: per-CPU hardware and software counters and function
// probes.
package bpfloader

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/telemetry"
	"go.uber.org/zap"
)

// ErrMissing is returned when the object lacks a requested map or program.
var ErrMissing = errors.New("not found in object")

// Loader owns the loaded collection and every attachment made through it.
type Loader struct {
	coll    *ebpf.Collection
	logger  *zap.Logger
	metrics *telemetry.Pipeline

	mu          sync.Mutex
	counters    []*counter
	executables map[string]*link.Executable
}

// New loads the producer object into the kernel: the object at path, or the
// embedded one when path is empty.
func New(path string, logger *zap.Logger, metrics *telemetry.Pipeline) (*Loader, error) {
	spec, err := loadSpec(path)
	if err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			logger.Error("verifier rejected program", zap.String("log", fmt.Sprintf("%+v", ve)))
		}
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	logger.Debug("loaded producer object",
		zap.String("path", path),
		zap.Bool("embedded", path == ""),
		zap.Int("programs", len(coll.Programs)),
		zap.Int("maps", len(coll.Maps)),
	)

	return &Loader{
		coll:        coll,
		logger:      logger,
		metrics:     metrics,
		executables: make(map[string]*link.Executable),
	}, nil
}

func loadSpec(path string) (*ebpf.CollectionSpec, error) {
	if path == "" {
		spec, err := bpf.LoadSpec()
		if err != nil {
			return nil, fmt.Errorf("loading embedded object: %w", err)
		}
		return spec, nil
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return spec, nil
}

// Map returns the named map.
func (l *Loader) Map(name string) (*ebpf.Map, error) {
	m, ok := l.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("map %s: %w", name, ErrMissing)
	}
	return m, nil
}

// HasProgram reports whether the object carries the named program.
func (l *Loader) HasProgram(name string) bool {
	_, ok := l.coll.Programs[name]
	return ok
}

func (l *Loader) program(name string) (*ebpf.Program, error) {
	p, ok := l.coll.Programs[name]
	if !ok {
		return nil, fmt.Errorf("program %s: %w", name, ErrMissing)
	}
	return p, nil
}

// AttachUprobe attaches program to the entry of function in the executable
// or library target. pid 0 instruments every process. cookie is delivered to
// the program through bpf_get_attach_cookie.
func (l *Loader) AttachUprobe(program, function, target string, pid int, cookie uint64) (io.Closer, error) {
	prog, err := l.program(program)
	if err != nil {
		return nil, err
	}

	ex, err := l.executable(target)
	if err != nil {
		return nil, err
	}

	up, err := ex.Uprobe(function, prog, &link.UprobeOptions{PID: pid, Cookie: cookie})
	if err != nil {
		return nil, fmt.Errorf("attaching uprobe %s:%s: %w", target, function, err)
	}
	return up, nil
}

func (l *Loader) executable(path string) (*link.Executable, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ex, ok := l.executables[path]; ok {
		return ex, nil
	}
	ex, err := link.OpenExecutable(path)
	if err != nil {
		return nil, fmt.Errorf("opening executable %s: %w", path, err)
	}
	l.executables[path] = ex
	return ex, nil
}

// OpenRingBuffer opens a reader on the named ring buffer map.
func (l *Loader) OpenRingBuffer(name string) (*ringbuf.Reader, error) {
	m, err := l.Map(name)
	if err != nil {
		return nil, err
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer %s: %w", name, err)
	}
	return rd, nil
}

// Maps returns the configuration and stack maps the rest of the pipeline
// writes to or reads from.
func (l *Loader) Maps() (pidConfig, probeConfig, stackTraces *ebpf.Map, err error) {
	if pidConfig, err = l.Map(bpf.MapPidConfig); err != nil {
		return nil, nil, nil, err
	}
	if probeConfig, err = l.Map(bpf.MapProbeConfig); err != nil {
		return nil, nil, nil, err
	}
	if stackTraces, err = l.Map(bpf.MapStackTraces); err != nil {
		return nil, nil, nil, err
	}
	return pidConfig, probeConfig, stackTraces, nil
}

// Close detaches every counter and releases the collection. Function probe
// links are owned by their caller and must be closed first.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, c := range l.counters {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s counter on cpu %d: %w", c.event, c.cpu, err))
		}
	}
	l.counters = nil
	l.executables = make(map[string]*link.Executable)

	l.coll.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
