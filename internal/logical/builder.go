package logical

import (
	"github.com/cockroachdb/errors"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
)

// ErrEmptyQuery is returned for a query without paths.
var ErrEmptyQuery = errors.New("logical: query names no paths")

// Query is a literal path query.
type Query struct {
	Paths     []string
	TagFilter operator.TagFilter
	Keys      meta.KeyInterval
	Limit     int
	Offset    int
}

// MergeRawData joins the fragments of each key group by key, unions the
// groups, and joins in every valid dummy fragment wrapped in
// AddSchemaPrefix. It returns nil when no fragment contributes.
func MergeRawData(groups []meta.KeyGroup, dummy []*meta.Fragment, paths []string, tf operator.TagFilter) operator.Operator {
	var unions []operator.Operator
	for _, g := range groups {
		var joins []operator.Operator
		for _, f := range g.Fragments {
			joins = append(joins, &operator.Project{
				Src:       operator.FragmentSource{Fragment: f},
				Patterns:  append([]string(nil), paths...),
				TagFilter: tf,
			})
		}
		unions = append(unions, operator.JoinAll(joins))
	}
	root := operator.UnionAll(unions)
	if len(dummy) == 0 {
		return root
	}
	var joins []operator.Operator
	for _, f := range dummy {
		prefix := f.Columns.SchemaPrefix
		matched := pathMatchPrefix(paths, f.Columns, prefix)
		if len(matched) == 0 {
			continue
		}
		var op operator.Operator = &operator.Project{
			Src:       operator.FragmentSource{Fragment: f},
			Patterns:  matched,
			TagFilter: tf,
		}
		if prefix != "" {
			op = &operator.AddSchemaPrefix{Src: operator.Wrap(op), Prefix: prefix}
		}
		joins = append(joins, op)
	}
	if root != nil {
		joins = append(joins, root)
	}
	return operator.JoinAll(joins)
}

// FragmentsForPaths resolves sorted paths to the fragments that may hold
// them.
func FragmentsForPaths(m *meta.Manager, sorted []string) ([]meta.KeyGroup, []*meta.Fragment) {
	return m.FragmentsByColumnsInterval(meta.IntervalOf(sorted))
}

// EmptyResult is a tree producing a keyed stream with no columns and no
// rows.
func EmptyResult() operator.Operator {
	return &operator.Project{Src: operator.ConstantSource{Header: data.NewHeader(true)}}
}

// ResolvePaths replaces a placeholder by the merged raw data for paths,
// restricted to the statement's key interval. No paths, or no fragment
// holding them, yields EmptyResult.
func ResolvePaths(m *meta.Manager, paths []string, stmt operator.IncompleteStatement) operator.Operator {
	sorted := MergeAndSortPaths(paths)
	if len(sorted) == 0 {
		return EmptyResult()
	}
	groups, dummy := FragmentsForPaths(m, sorted)
	root := MergeRawData(groups, dummy, sorted, stmt.TagFilter)
	if root == nil {
		return EmptyResult()
	}
	if stmt.Keys != (meta.KeyInterval{}) && stmt.Keys != meta.AllKeys {
		root = &operator.Select{Src: operator.Wrap(root), Filter: operator.KeyFilter{Keys: stmt.Keys}}
	}
	return root
}

// BuildQuery plans a literal path query: the raw data for the paths,
// projected and reordered to the requested paths, then limited.
func BuildQuery(m *meta.Manager, q Query) (operator.Operator, error) {
	if len(q.Paths) == 0 {
		return nil, ErrEmptyQuery
	}
	raw := ResolvePaths(m, q.Paths, operator.IncompleteStatement{TagFilter: q.TagFilter, Keys: q.Keys})
	var root operator.Operator = &operator.Project{
		Src:       operator.Wrap(raw),
		Patterns:  append([]string(nil), q.Paths...),
		TagFilter: q.TagFilter,
	}
	root = &operator.Reorder{Src: operator.Wrap(root), Patterns: append([]string(nil), q.Paths...)}
	return withLimit(root, q), nil
}

func withLimit(root operator.Operator, q Query) operator.Operator {
	if q.Limit == 0 && q.Offset == 0 {
		return root
	}
	limit := q.Limit
	if limit == 0 {
		limit = -1
	}
	return &operator.Limit{Src: operator.Wrap(root), Limit: limit, Offset: q.Offset}
}

// FoldedQuery selects columns whose names are only known at runtime: each
// non-null value produced by Sub, joined to Prefix, names a path of the
// outer query.
type FoldedQuery struct {
	Sub       Query
	Prefix    string
	TagFilter operator.TagFilter
	Keys      meta.KeyInterval
	Limit     int
	Offset    int
}

// BuildFolded plans a folded query. The outer tree is a placeholder
// completed by folded replanning once the sub-query has run.
func BuildFolded(m *meta.Manager, q FoldedQuery) (operator.Operator, error) {
	sub, err := BuildQuery(m, q.Sub)
	if err != nil {
		return nil, errors.Wrap(err, "sub-query")
	}
	placeholder := &operator.ProjectWaitingForPath{
		Statement: operator.IncompleteStatement{TagFilter: q.TagFilter, Keys: q.Keys},
	}
	var incomplete operator.Operator = &operator.Project{
		Src:              operator.Wrap(placeholder),
		TagFilter:        q.TagFilter,
		NeedSelectedPath: true,
	}
	incomplete = &operator.Reorder{Src: operator.Wrap(incomplete), NeedSelectedPath: true}
	incomplete = withLimit(incomplete, Query{Limit: q.Limit, Offset: q.Offset})

	return &operator.Folded{
		Srcs: []operator.Source{
			operator.Wrap(&operator.ValueToSelectedPath{Src: operator.Wrap(sub), Prefix: q.Prefix}),
		},
		IncompleteRoot: incomplete,
	}, nil
}

// BuildInsert splits rows across the writable fragments covering their
// columns and keys. Each fragment receives one Insert; several are gathered
// under CombineNonQuery.
func BuildInsert(m *meta.Manager, h *data.Header, rows []data.Row) (operator.Operator, error) {
	if !h.HasKey() {
		return nil, errors.New("logical: inserted rows need a key")
	}
	type part struct {
		frag  *meta.Fragment
		cols  []int
		rows  []data.Row
		index map[int64]int
	}
	var (
		parts  []*part
		byFrag = map[string]*part{}
	)
	for _, r := range rows {
		for i := 0; i < h.Len(); i++ {
			v := r.Value(i)
			if v == nil {
				continue
			}
			f, err := m.FragmentFor(h.Field(i).Name, r.Key)
			if err != nil {
				return nil, err
			}
			p, ok := byFrag[f.ID]
			if !ok {
				p = &part{frag: f, index: map[int64]int{}}
				byFrag[f.ID] = p
				parts = append(parts, p)
			}
			if indexOf(p.cols, i) < 0 {
				p.cols = append(p.cols, i)
			}
			ri, ok := p.index[r.Key]
			if !ok {
				ri = len(p.rows)
				p.index[r.Key] = ri
				p.rows = append(p.rows, data.Row{Key: r.Key})
			}
			p.rows[ri].Values = setAt(p.rows[ri].Values, i, v)
		}
	}
	if len(parts) == 0 {
		return nil, errors.New("logical: nothing to insert")
	}
	var ops []operator.Operator
	for _, p := range parts {
		fields := make([]data.Field, len(p.cols))
		for j, c := range p.cols {
			fields[j] = h.Field(c)
		}
		ph := data.NewHeader(true, fields...)
		prow := make([]data.Row, len(p.rows))
		for k, r := range p.rows {
			vals := make([]any, len(p.cols))
			for j, c := range p.cols {
				if c < len(r.Values) {
					vals[j] = r.Values[c]
				}
			}
			prow[k] = data.NewRow(ph, r.Key, vals...)
		}
		ops = append(ops, &operator.Insert{Src: operator.FragmentSource{Fragment: p.frag}, Header: ph, Rows: prow})
	}
	return combine(ops), nil
}

func indexOf(xs []int, x int) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func setAt(vals []any, i int, v any) []any {
	for len(vals) <= i {
		vals = append(vals, nil)
	}
	vals[i] = v
	return vals
}

// BuildDelete removes the columns matching patterns within keys from every
// writable fragment that may hold them.
func BuildDelete(m *meta.Manager, patterns []string, keys []meta.KeyInterval, tf operator.TagFilter) (operator.Operator, error) {
	sorted := MergeAndSortPaths(patterns)
	if len(sorted) == 0 {
		return nil, ErrEmptyQuery
	}
	var ops []operator.Operator
	for _, f := range m.WritableFragments(meta.IntervalOf(sorted)) {
		if len(keys) > 0 && !overlapsAny(f.Keys, keys) {
			continue
		}
		ops = append(ops, &operator.Delete{
			Src:       operator.FragmentSource{Fragment: f},
			Patterns:  sorted,
			Keys:      append([]meta.KeyInterval(nil), keys...),
			TagFilter: tf,
		})
	}
	if len(ops) == 0 {
		return EmptyResult(), nil
	}
	return combine(ops), nil
}

func overlapsAny(k meta.KeyInterval, ks []meta.KeyInterval) bool {
	for _, o := range ks {
		if k.Overlaps(o) {
			return true
		}
	}
	return false
}

func combine(ops []operator.Operator) operator.Operator {
	if len(ops) == 1 {
		return ops[0]
	}
	srcs := make([]operator.Source, len(ops))
	for i, op := range ops {
		srcs[i] = operator.Wrap(op)
	}
	return &operator.CombineNonQuery{Srcs: srcs}
}

// BuildShowColumns lists the columns matching patterns across all units.
func BuildShowColumns(patterns []string, tf operator.TagFilter) operator.Operator {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &operator.ShowColumns{Src: operator.GlobalSource{}, Patterns: patterns, TagFilter: tf}
}
