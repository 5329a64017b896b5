package backend

import "errors"

// Sentinel errors shared by all backend implementations. Callers check them
// with errors.Is; the HTTP layer maps them to status codes.
var (
	ErrSandboxNotFound  = errors.New("sandbox not found")
	ErrImageNotFound    = errors.New("image not found")
	ErrNetworkNotFound  = errors.New("network not found")
	ErrNotProvisionable = errors.New("backend rejected sandbox provisioning")
	ErrUnavailable      = errors.New("backend unavailable")
)
