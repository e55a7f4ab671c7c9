package schema

import "errors"

var (
	// ErrUnsupported means the store backend is unavailable in this environment.
	ErrUnsupported = errors.New("schema: store not supported")
	// ErrDuplicateTable means two declarations share a name.
	ErrDuplicateTable = errors.New("schema: duplicate table declaration")
	// ErrInvalidDeclaration is a configuration fault in the declarations or options.
	ErrInvalidDeclaration = errors.New("schema: invalid declaration")
	// ErrPrimaryKeyConflict means an existing table's key shape differs from its declaration.
	ErrPrimaryKeyConflict = errors.New("schema: primary key differs from existing table")
	// ErrNotOpen means the engine has no open store.
	ErrNotOpen = errors.New("schema: store not open")
	// ErrAlreadyOpen means Open was called twice without Close.
	ErrAlreadyOpen = errors.New("schema: store already open")
)
