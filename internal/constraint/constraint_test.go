package constraint

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/data"
	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
)

func TestLookup(t *testing.T) {
	naive, err := Lookup("naive")
	require.NoError(t, err)
	require.True(t, naive.Check(&operator.ProjectWaitingForPath{}))

	_, err = Lookup("nope")
	require.True(t, errors.Is(err, ErrUnknownChecker))

	Register("never", func() Checker { return CheckerFunc(func(operator.Operator) bool { return false }) })
	never, err := Lookup("never")
	require.NoError(t, err)
	require.False(t, never.Check(nil))
}

func TestStrict(t *testing.T) {
	s, err := Lookup("strict")
	require.NoError(t, err)
	frag := operator.FragmentSource{Fragment: &meta.Fragment{ID: "f", UnitID: "u"}}
	read := &operator.Project{Src: frag, Patterns: []string{"a"}}
	write := &operator.Insert{Src: frag, Header: data.NewHeader(true)}

	require.True(t, s.Check(read))
	require.True(t, s.Check(write))
	mixed := &operator.CombineNonQuery{Srcs: []operator.Source{operator.Wrap(read), operator.Wrap(write)}}
	require.False(t, s.Check(mixed))
	require.False(t, s.Check(&operator.Limit{Src: operator.Wrap(read), Offset: -1}))
}

func TestManager(t *testing.T) {
	m := meta.NewManager()
	m.AddEngine(&meta.StorageEngine{ID: "e", Type: "memory"})
	require.NoError(t, m.AddUnit(&meta.StorageUnit{ID: "u", EngineID: "e"}))
	cm := NewManager(m)

	good := &operator.Project{Src: operator.FragmentSource{Fragment: &meta.Fragment{ID: "f", UnitID: "u"}}}
	require.True(t, cm.Check(good))

	cases := map[string]operator.Operator{
		"nil":               nil,
		"placeholder":       &operator.Reorder{Src: operator.Wrap(&operator.ProjectWaitingForPath{})},
		"unknown unit":      &operator.Project{Src: operator.FragmentSource{Fragment: &meta.Fragment{ID: "f", UnitID: "zz"}}},
		"missing source":    &operator.Limit{},
		"empty combine":     &operator.CombineNonQuery{},
		"join missing side": &operator.Join{A: operator.Wrap(good)},
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			require.False(t, cm.Check(op))
		})
	}

	t.Run("placeholder inside folded tree is legal", func(t *testing.T) {
		folded := &operator.Folded{
			Srcs:           []operator.Source{operator.Wrap(good)},
			IncompleteRoot: &operator.ProjectWaitingForPath{},
		}
		require.NoError(t, cm.Validate(folded))
	})
}
