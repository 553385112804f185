// Package operator defines the immutable logical operator tree handed to the
// physical optimizer. Nodes are never mutated after construction: WithSource
// and WithSources return modified copies, so a tree can be rebuilt bottom-up
// while other holders keep observing the original.
package operator

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
)

// Kind is the arity class of an operator.
type Kind int

const (
	KindUnary Kind = iota
	KindBinary
	KindMultiple
)

// Type identifies a concrete operator.
type Type int

const (
	TypeProject Type = iota
	TypeReorder
	TypeSelect
	TypeLimit
	TypeAddSchemaPrefix
	TypeValueToSelectedPath
	TypeProjectWaitingForPath
	TypeInsert
	TypeDelete
	TypeShowColumns
	TypeJoin
	TypeUnion
	TypeCombineNonQuery
	TypeFolded
)

var typeNames = map[Type]string{
	TypeProject:               "Project",
	TypeReorder:               "Reorder",
	TypeSelect:                "Select",
	TypeLimit:                 "Limit",
	TypeAddSchemaPrefix:       "AddSchemaPrefix",
	TypeValueToSelectedPath:   "ValueToSelectedPath",
	TypeProjectWaitingForPath: "ProjectWaitingForPath",
	TypeInsert:                "Insert",
	TypeDelete:                "Delete",
	TypeShowColumns:           "ShowColumns",
	TypeJoin:                  "Join",
	TypeUnion:                 "Union",
	TypeCombineNonQuery:       "CombineNonQuery",
	TypeFolded:                "Folded",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// SelectedPathField is the reserved column carrying path names discovered
// at runtime for folded replanning.
const SelectedPathField = "SelectedPath"

// Operator is a node of the logical tree.
type Operator interface {
	Type() Type
	Kind() Kind
	String() string
}

// Unary operators read one source.
type Unary interface {
	Operator
	Source() Source
	WithSource(Source) Unary
}

// Binary operators read two sources aligned by key.
type Binary interface {
	Operator
	SourceA() Source
	SourceB() Source
	WithSources(a, b Source) Binary
}

// Multiple operators read any number of sources.
type Multiple interface {
	Operator
	Sources() []Source
	WithSources([]Source) Multiple
}

// SourceType identifies a concrete Source.
type SourceType int

const (
	SourceFragment SourceType = iota
	SourceOperator
	SourceGlobal
	SourceConstant
)

// Source is a leaf or an edge of the tree.
type Source interface {
	SourceType() SourceType
}

// FragmentSource binds an operator to one fragment and its storage unit.
type FragmentSource struct {
	Fragment *meta.Fragment
}

func (FragmentSource) SourceType() SourceType { return SourceFragment }

// OperatorSource wraps a child operator.
type OperatorSource struct {
	Operator Operator
}

func (OperatorSource) SourceType() SourceType { return SourceOperator }

// GlobalSource marks operators that read cluster-wide metadata.
type GlobalSource struct{}

func (GlobalSource) SourceType() SourceType { return SourceGlobal }

// ConstantSource yields literal rows. A nil Header means an empty header.
type ConstantSource struct {
	Header *data.Header
	Rows   []data.Row
}

func (ConstantSource) SourceType() SourceType { return SourceConstant }

// Constant builds a source holding a single unkeyed literal row.
func Constant(h *data.Header, values ...any) ConstantSource {
	return ConstantSource{Header: h, Rows: []data.Row{data.NewUnkeyedRow(h, values...)}}
}

// ChildOf returns the wrapped operator when s is an OperatorSource.
func ChildOf(s Source) (Operator, bool) {
	os, ok := s.(OperatorSource)
	if !ok || os.Operator == nil {
		return nil, false
	}
	return os.Operator, true
}

// Wrap is shorthand for OperatorSource{op}.
func Wrap(op Operator) OperatorSource { return OperatorSource{Operator: op} }

// Format renders a tree, one node per line, children indented.
func Format(op Operator) string {
	var sb strings.Builder
	format(&sb, op, 0)
	return sb.String()
}

func format(sb *strings.Builder, op Operator, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(op.String())
	sb.WriteByte('\n')
	for _, src := range Sources(op) {
		switch s := src.(type) {
		case OperatorSource:
			format(sb, s.Operator, depth+1)
		case FragmentSource:
			fmt.Fprintf(sb, "%s%s\n", strings.Repeat("  ", depth+1), s.Fragment)
		case ConstantSource:
			fmt.Fprintf(sb, "%sConstant(%d rows)\n", strings.Repeat("  ", depth+1), len(s.Rows))
		case GlobalSource:
			fmt.Fprintf(sb, "%sGlobal\n", strings.Repeat("  ", depth+1))
		}
	}
}

// Sources lists the sources of any operator in order. A placeholder leaf
// without source yields none.
func Sources(op Operator) []Source {
	switch o := op.(type) {
	case Unary:
		if o.Source() == nil {
			return nil
		}
		return []Source{o.Source()}
	case Binary:
		return []Source{o.SourceA(), o.SourceB()}
	case Multiple:
		return o.Sources()
	}
	return nil
}

// Walk visits op and every operator below it depth-first, parents first.
// Returning false from fn stops descent below that node.
func Walk(op Operator, fn func(Operator) bool) {
	if op == nil || !fn(op) {
		return
	}
	for _, src := range Sources(op) {
		if child, ok := ChildOf(src); ok {
			Walk(child, fn)
		}
	}
}

// ErrShapeMismatch reports an operator handed to an executor that cannot run
// it, such as a binary operator inside a unary chain. It indicates a
// planner defect.
var ErrShapeMismatch = errors.New("operator: shape mismatch")
