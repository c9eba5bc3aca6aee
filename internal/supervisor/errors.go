package supervisor

import "errors"

var (
	ErrNotFound      = errors.New("bot not found")
	ErrForbidden     = errors.New("forbidden")
	ErrCodeNotFound  = errors.New("CodeNotFound")
	ErrLaunchFailed  = errors.New("launch failed")
	ErrInstanceLimit = errors.New("instance limit reached")
	ErrRateLimited   = errors.New("too many start requests")
)
