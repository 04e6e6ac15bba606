package grant

import "errors"

var (
	ErrNotFound         = errors.New("grant: not found")
	ErrTokenCollision   = errors.New("grant: token collision")
	ErrNoDocuments      = errors.New("grant: no documents available")
	ErrInvalidStrategy  = errors.New("grant: invalid strategy")
	ErrInvalidIdentity  = errors.New("grant: invalid recipient identity")
	ErrNoChallenge      = errors.New("grant: no pending challenge")
	ErrWrongStrategy    = errors.New("grant: operation does not apply to this strategy")
	ErrDependency       = errors.New("grant: dependency unavailable")
	ErrInvalidPassword  = errors.New("grant: invalid password")
	ErrPasswordTooShort = errors.New("grant: password too short")
)
