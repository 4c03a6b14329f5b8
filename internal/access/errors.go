package access

import "errors"

var (
	ErrInvalidInput      = errors.New("access: invalid input")
	ErrNotFound          = errors.New("access: not found")
	ErrPrincipalNotFound = errors.New("access: principal not found")
	ErrRoleCycle         = errors.New("access: role parent chain forms a cycle")
)
