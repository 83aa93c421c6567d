package runtime

import "errors"

// Typed errors raised into user code by helper calls.
var (
	ErrEntityNotFound          = errors.New("entity not found")
	ErrBadEntityCall           = errors.New("bad entity call")
	ErrFuncCircularCall        = errors.New("circular function call")
	ErrFuncCallChainTooLong    = errors.New("function call chain too long")
	ErrDuplicatedFuncName      = errors.New("duplicated function name")
	ErrDuplicatedThreadKey     = errors.New("duplicated thread result key")
	ErrConnectorNotSupport     = errors.New("connector type not supported")
	ErrInvalidConnectorConfig  = errors.New("invalid connector config")
	ErrInvalidAPIOption        = errors.New("invalid API option")
	ErrInvalidImport           = errors.New("cannot import non-user module")
)
