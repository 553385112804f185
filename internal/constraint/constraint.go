// Package constraint holds the legality gate run on every operator tree
// before it is compiled, both by the static planner and by folded
// replanning.
package constraint

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
)

// Checker decides whether a tree may be executed.
type Checker interface {
	Check(root operator.Operator) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(operator.Operator) bool

func (f CheckerFunc) Check(root operator.Operator) bool { return f(root) }

// Factory builds a checker.
type Factory func() Checker

var (
	mu        sync.RWMutex
	factories = map[string]Factory{
		"naive":  func() Checker { return CheckerFunc(func(operator.Operator) bool { return true }) },
		"strict": func() Checker { return CheckerFunc(strict) },
	}
)

// ErrUnknownChecker is returned by Lookup for an unregistered name.
var ErrUnknownChecker = errors.New("constraint: unknown checker")

// Register adds or replaces a named checker factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Lookup builds the checker registered under name.
func Lookup(name string) (Checker, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChecker, "%q (known: %v)", name, namesLocked())
	}
	return f(), nil
}

func namesLocked() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// strict rejects queries that mix reads with writes and negative limits.
func strict(root operator.Operator) bool {
	var reads, writes bool
	ok := true
	operator.Walk(root, func(op operator.Operator) bool {
		switch o := op.(type) {
		case *operator.Insert, *operator.Delete:
			writes = true
		case *operator.Project, *operator.ShowColumns:
			reads = true
		case *operator.Limit:
			if o.Offset < 0 {
				ok = false
			}
		}
		return ok
	})
	return ok && !(reads && writes)
}

// Manager performs the structural checks every tree must pass regardless
// of the configured checker.
type Manager struct {
	meta *meta.Manager
}

func NewManager(m *meta.Manager) *Manager {
	return &Manager{meta: m}
}

// Check verifies that every edge is populated, that placeholders appear only
// inside folded trees, and that every fragment lives on a known unit.
func (m *Manager) Check(root operator.Operator) bool {
	return m.Validate(root) == nil
}

// Validate is Check with a reason.
func (m *Manager) Validate(root operator.Operator) error {
	if root == nil {
		return errors.New("constraint: empty tree")
	}
	var err error
	operator.Walk(root, func(op operator.Operator) bool {
		if err != nil {
			return false
		}
		err = m.checkNode(op)
		return err == nil
	})
	return err
}

func (m *Manager) checkNode(op operator.Operator) error {
	switch o := op.(type) {
	case *operator.ProjectWaitingForPath:
		return errors.Newf("constraint: unresolved placeholder %s", o)
	case *operator.Folded:
		if o.IncompleteRoot == nil {
			return errors.New("constraint: folded operator without incomplete root")
		}
		if len(o.Srcs) == 0 {
			return errors.New("constraint: folded operator without sources")
		}
	case *operator.CombineNonQuery:
		if len(o.Srcs) == 0 {
			return errors.New("constraint: empty combine")
		}
	}
	for _, src := range operator.Sources(op) {
		if src == nil {
			return errors.Newf("constraint: %s has a missing source", op)
		}
		switch s := src.(type) {
		case operator.OperatorSource:
			if s.Operator == nil {
				return errors.Newf("constraint: %s has an empty operator source", op)
			}
		case operator.FragmentSource:
			if s.Fragment == nil {
				return errors.Newf("constraint: %s has an empty fragment source", op)
			}
			if m.meta != nil {
				if _, ok := m.meta.Unit(s.Fragment.UnitID); !ok {
					return errors.Wrapf(meta.ErrUnknownUnit, "constraint: %s", s.Fragment)
				}
			}
		}
	}
	if u, ok := op.(operator.Unary); ok && u.Source() == nil {
		return errors.Newf("constraint: %s has no source", op)
	}
	return nil
}
