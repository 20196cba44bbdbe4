package host

import "time"

// PlatformConfig carries what non-Windows platforms need to describe the
// service to their service manager.
type PlatformConfig struct {
	DisplayName string
	Description string
	// StopTimeout bounds how long a stop request from the service manager
	// waits for the service to reach Stopped.
	StopTimeout time.Duration
}

// InteractivePlatform is implemented by platforms that can tell whether
// the process runs on a console.
type InteractivePlatform interface {
	Platform
	Interactive() bool
}
