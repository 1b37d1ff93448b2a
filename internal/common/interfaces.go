package common

import "io"

type (
	KeyValueVisitorCb func(k, v string) error

	// A function that takes a KeyValueVisitorCb function and
	// calls it with each k,v pair, returning error if `f` returns
	// an error and nil if it doesn't.
	KeyValueVisitor func(f func(k, v string) error) error

	LogConfig interface {
		IsDebug() bool
		IsTrace() bool
		Output() io.Writer
	}
)
