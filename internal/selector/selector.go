// Package selector filters samples in user space with expr-lang predicates,
// after they have left the ring buffer and before they are aggregated.
//
// Expressions see the fields of Env, for example:
//
//	comm == "postgres" && event in ["cache_miss", "page_faults"]
//	uid >= 1000 and not stack
package selector

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
)

// Env is the evaluation environment of a selector expression.
type Env struct {
	Pid   uint32 `expr:"pid"`
	Tgid  uint32 `expr:"tgid"`
	UID   uint32 `expr:"uid"`
	GID   uint32 `expr:"gid"`
	Comm  string `expr:"comm"`
	Event string `expr:"event"`
	Stack bool   `expr:"stack"`
}

// EnvOf builds the environment for s.
func EnvOf(s *bpf.Sample) Env {
	return Env{
		Pid:   s.Pid,
		Tgid:  s.Tgid,
		UID:   s.UID,
		GID:   s.GID,
		Comm:  s.CommString(),
		Event: events.EventType(s.EventType).String(),
		Stack: s.HasStack(),
	}
}

// Selector is a compiled predicate. The nil Selector matches everything.
type Selector struct {
	source  string
	program *vm.Program
}

// Compile type-checks source against Env. An empty source yields a nil
// Selector.
func Compile(source string) (*Selector, error) {
	if source == "" {
		return nil, nil
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling selector %q: %w", source, err)
	}
	return &Selector{source: source, program: program}, nil
}

// Match reports whether s passes the selector.
func (sel *Selector) Match(s *bpf.Sample) (bool, error) {
	if sel == nil {
		return true, nil
	}

	out, err := expr.Run(sel.program, EnvOf(s))
	if err != nil {
		return false, fmt.Errorf("evaluating selector %q: %w", sel.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (sel *Selector) String() string {
	if sel == nil {
		return "true"
	}
	return sel.source
}
