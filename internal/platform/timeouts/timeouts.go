// Package timeouts defines shared timeout constants used across the module.
// Centralizing these values prevents drift between layers and makes the
// durations discoverable.
package timeouts

import "time"

// StoreRequest caps the time allowed for a single remote row-store request.
const StoreRequest = 10 * time.Second

// BootLockWait caps how long a booting process polls for another process to
// finish first-time initialization before forcing its own.
const BootLockWait = 5 * time.Second

// BootLockStale is the age after which another process's boot lock is
// considered abandoned and may be taken over.
const BootLockStale = 10 * time.Second

// BootLockPoll is the interval between boot lock checks while waiting.
const BootLockPoll = 100 * time.Millisecond

// Shutdown limits how long App.Shutdown waits for queue drain and the
// filesystem image flush.
const Shutdown = 5 * time.Second
