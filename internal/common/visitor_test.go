package common

import (
	"testing"

	"github.com/pkg/errors"
	r "github.com/stretchr/testify/require"
)

func collect(t *testing.T, v KeyValueVisitor) map[string]string {
	m := make(map[string]string)
	r.NoError(t, v(func(k, val string) error {
		m[k] = val
		return nil
	}))
	return m
}

func TestEnvVisitor(t *testing.T) {
	req := r.New(t)

	m := collect(t, NewEnvVisitor([]string{"A=1", "B=two", "C=x=y", "garbage"}))
	req.Equal("1", m["A"])
	req.Equal("two", m["B"])
	req.Equal("x=y", m["C"], "values may contain '='")
	req.Len(m, 3, "entries without '=' are skipped")
}

func TestVisitorStopsOnError(t *testing.T) {
	req := r.New(t)

	boom := errors.New("boom")
	var seen int
	err := NewPairsVisitor("a", "1", "b", "2")(func(k, v string) error {
		seen++
		return boom
	})
	req.Equal(boom, errors.Cause(err))
	req.Equal(1, seen)
}

func TestPairsVisitorPanicsOnOddArgs(t *testing.T) {
	r.New(t).Panics(func() { NewPairsVisitor("a", "1", "dangling") })
}

func TestMapVisitor(t *testing.T) {
	req := r.New(t)
	m := collect(t, NewMapVisitor(map[string]string{"x": "y"}))
	req.Equal(map[string]string{"x": "y"}, m)
}
