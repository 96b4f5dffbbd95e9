// Package errors re-exports github.com/cockroachdb/errors so the rest of
// the module gets stack traces, wrapping, and hint/detail annotations
// without importing the upstream package directly everywhere.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

var (
	Is          = crdb.Is
	As          = crdb.As
	Unwrap      = crdb.Unwrap
	GetAllHints = crdb.GetAllHints
)
