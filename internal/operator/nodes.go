package operator

import (
	"fmt"
	"strings"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
)

// Project keeps the columns matching Patterns and TagFilter. With
// NeedSelectedPath set, the patterns are completed at runtime by folded
// replanning. RemainKey also keeps "<prefix>.key" columns.
type Project struct {
	Src              Source
	Patterns         []string
	TagFilter        TagFilter
	NeedSelectedPath bool
	RemainKey        bool
}

func (*Project) Type() Type       { return TypeProject }
func (*Project) Kind() Kind       { return KindUnary }
func (p *Project) Source() Source { return p.Src }
func (p *Project) WithSource(s Source) Unary {
	cp := *p
	cp.Src = s
	return &cp
}

// WithPaths returns a copy whose patterns are extended by paths and whose
// NeedSelectedPath flag is cleared.
func (p *Project) WithPaths(paths []string) *Project {
	cp := *p
	cp.Patterns = append(append([]string(nil), p.Patterns...), paths...)
	cp.NeedSelectedPath = false
	return &cp
}

func (p *Project) String() string {
	s := fmt.Sprintf("Project(%s", strings.Join(p.Patterns, ", "))
	if p.TagFilter != nil {
		s += " tags" + p.TagFilter.String()
	}
	if p.NeedSelectedPath {
		s += " +selected"
	}
	return s + ")"
}

// Reorder arranges columns in the order of Patterns.
type Reorder struct {
	Src              Source
	Patterns         []string
	NeedSelectedPath bool
}

func (*Reorder) Type() Type       { return TypeReorder }
func (*Reorder) Kind() Kind       { return KindUnary }
func (r *Reorder) Source() Source { return r.Src }
func (r *Reorder) WithSource(s Source) Unary {
	cp := *r
	cp.Src = s
	return &cp
}

// WithPaths returns a copy whose patterns are extended by paths and whose
// NeedSelectedPath flag is cleared.
func (r *Reorder) WithPaths(paths []string) *Reorder {
	cp := *r
	cp.Patterns = append(append([]string(nil), r.Patterns...), paths...)
	cp.NeedSelectedPath = false
	return &cp
}

func (r *Reorder) String() string {
	s := fmt.Sprintf("Reorder(%s", strings.Join(r.Patterns, ", "))
	if r.NeedSelectedPath {
		s += " +selected"
	}
	return s + ")"
}

// Select keeps rows matching Filter.
type Select struct {
	Src    Source
	Filter Filter
}

func (*Select) Type() Type       { return TypeSelect }
func (*Select) Kind() Kind       { return KindUnary }
func (s *Select) Source() Source { return s.Src }
func (s *Select) WithSource(src Source) Unary {
	cp := *s
	cp.Src = src
	return &cp
}
func (s *Select) String() string { return "Select(" + s.Filter.String() + ")" }

// Limit skips Offset rows, then emits at most Limit rows. A negative Limit
// is unbounded.
type Limit struct {
	Src    Source
	Limit  int
	Offset int
}

func (*Limit) Type() Type       { return TypeLimit }
func (*Limit) Kind() Kind       { return KindUnary }
func (l *Limit) Source() Source { return l.Src }
func (l *Limit) WithSource(s Source) Unary {
	cp := *l
	cp.Src = s
	return &cp
}
func (l *Limit) String() string { return fmt.Sprintf("Limit(%d, %d)", l.Limit, l.Offset) }

// AddSchemaPrefix prepends Prefix and a dot to every column name.
type AddSchemaPrefix struct {
	Src    Source
	Prefix string
}

func (*AddSchemaPrefix) Type() Type       { return TypeAddSchemaPrefix }
func (*AddSchemaPrefix) Kind() Kind       { return KindUnary }
func (a *AddSchemaPrefix) Source() Source { return a.Src }
func (a *AddSchemaPrefix) WithSource(s Source) Unary {
	cp := *a
	cp.Src = s
	return &cp
}
func (a *AddSchemaPrefix) String() string { return "AddSchemaPrefix(" + a.Prefix + ")" }

// ValueToSelectedPath turns every non-null value of its input into a path
// name, Prefix joined with the value, emitted in the SelectedPath column.
type ValueToSelectedPath struct {
	Src    Source
	Prefix string
}

func (*ValueToSelectedPath) Type() Type       { return TypeValueToSelectedPath }
func (*ValueToSelectedPath) Kind() Kind       { return KindUnary }
func (v *ValueToSelectedPath) Source() Source { return v.Src }
func (v *ValueToSelectedPath) WithSource(s Source) Unary {
	cp := *v
	cp.Src = s
	return &cp
}
func (v *ValueToSelectedPath) String() string { return "ValueToSelectedPath(" + v.Prefix + ")" }

// IncompleteStatement is what a placeholder knows before its paths are.
type IncompleteStatement struct {
	TagFilter TagFilter
	Keys      meta.KeyInterval
}

// ProjectWaitingForPath is the placeholder leaf of a folded tree. Folded
// replanning replaces it with a concrete sub-tree once paths are known.
type ProjectWaitingForPath struct {
	Statement IncompleteStatement
}

func (*ProjectWaitingForPath) Type() Type     { return TypeProjectWaitingForPath }
func (*ProjectWaitingForPath) Kind() Kind     { return KindUnary }
func (*ProjectWaitingForPath) Source() Source { return nil }
func (p *ProjectWaitingForPath) WithSource(Source) Unary {
	cp := *p
	return &cp
}
func (p *ProjectWaitingForPath) String() string {
	return fmt.Sprintf("ProjectWaitingForPath(keys %s)", p.Statement.Keys)
}

// Insert writes Rows into the fragment named by its source. Rows must be
// keyed.
type Insert struct {
	Src    Source
	Header *data.Header
	Rows   []data.Row
}

func (*Insert) Type() Type       { return TypeInsert }
func (*Insert) Kind() Kind       { return KindUnary }
func (i *Insert) Source() Source { return i.Src }
func (i *Insert) WithSource(s Source) Unary {
	cp := *i
	cp.Src = s
	return &cp
}
func (i *Insert) String() string {
	return fmt.Sprintf("Insert(%d rows x %d columns)", len(i.Rows), i.Header.Len())
}

// Delete removes the columns matching Patterns within Keys. An empty Keys
// list removes the columns entirely.
type Delete struct {
	Src       Source
	Patterns  []string
	Keys      []meta.KeyInterval
	TagFilter TagFilter
}

func (*Delete) Type() Type       { return TypeDelete }
func (*Delete) Kind() Kind       { return KindUnary }
func (d *Delete) Source() Source { return d.Src }
func (d *Delete) WithSource(s Source) Unary {
	cp := *d
	cp.Src = s
	return &cp
}
func (d *Delete) String() string {
	return fmt.Sprintf("Delete(%s, %d ranges)", strings.Join(d.Patterns, ", "), len(d.Keys))
}

// ShowColumns lists the columns of every storage unit matching Patterns.
type ShowColumns struct {
	Src       Source
	Patterns  []string
	TagFilter TagFilter
}

func (*ShowColumns) Type() Type       { return TypeShowColumns }
func (*ShowColumns) Kind() Kind       { return KindUnary }
func (s *ShowColumns) Source() Source { return s.Src }
func (s *ShowColumns) WithSource(src Source) Unary {
	cp := *s
	cp.Src = src
	return &cp
}
func (s *ShowColumns) String() string { return "ShowColumns(" + strings.Join(s.Patterns, ", ") + ")" }

// Join aligns two keyed inputs by key into one row per key.
type Join struct {
	A, B Source
}

func (*Join) Type() Type        { return TypeJoin }
func (*Join) Kind() Kind        { return KindBinary }
func (j *Join) SourceA() Source { return j.A }
func (j *Join) SourceB() Source { return j.B }
func (j *Join) WithSources(a, b Source) Binary {
	return &Join{A: a, B: b}
}
func (*Join) String() string { return "Join(key)" }

// Union concatenates two keyed inputs covering disjoint key ranges of the
// same columns, ordered by key.
type Union struct {
	A, B Source
}

func (*Union) Type() Type        { return TypeUnion }
func (*Union) Kind() Kind        { return KindBinary }
func (u *Union) SourceA() Source { return u.A }
func (u *Union) SourceB() Source { return u.B }
func (u *Union) WithSources(a, b Source) Binary {
	return &Union{A: a, B: b}
}
func (*Union) String() string { return "Union" }

// CombineNonQuery gathers independent write or delete sub-plans.
type CombineNonQuery struct {
	Srcs []Source
}

func (*CombineNonQuery) Type() Type          { return TypeCombineNonQuery }
func (*CombineNonQuery) Kind() Kind          { return KindMultiple }
func (c *CombineNonQuery) Sources() []Source { return append([]Source(nil), c.Srcs...) }
func (c *CombineNonQuery) WithSources(s []Source) Multiple {
	return &CombineNonQuery{Srcs: append([]Source(nil), s...)}
}
func (c *CombineNonQuery) String() string { return fmt.Sprintf("CombineNonQuery(%d)", len(c.Srcs)) }

// Folded defers IncompleteRoot until its sources have produced the
// SelectedPath values that complete it.
type Folded struct {
	Srcs           []Source
	IncompleteRoot Operator
}

func (*Folded) Type() Type          { return TypeFolded }
func (*Folded) Kind() Kind          { return KindMultiple }
func (f *Folded) Sources() []Source { return append([]Source(nil), f.Srcs...) }
func (f *Folded) WithSources(s []Source) Multiple {
	return &Folded{Srcs: append([]Source(nil), s...), IncompleteRoot: f.IncompleteRoot}
}
func (f *Folded) String() string { return fmt.Sprintf("Folded(%d)", len(f.Srcs)) }

// JoinAll joins ops left-deep by key. It returns nil for no operators.
func JoinAll(ops []Operator) Operator {
	if len(ops) == 0 {
		return nil
	}
	root := ops[0]
	for _, op := range ops[1:] {
		root = &Join{A: Wrap(root), B: Wrap(op)}
	}
	return root
}

// UnionAll unions ops left-deep. It returns nil for no operators.
func UnionAll(ops []Operator) Operator {
	if len(ops) == 0 {
		return nil
	}
	root := ops[0]
	for _, op := range ops[1:] {
		root = &Union{A: Wrap(root), B: Wrap(op)}
	}
	return root
}
