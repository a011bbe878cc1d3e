// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metadata

import "time"

// Scheduler runs delayed work. Tests substitute a manual implementation so
// retry timing is deterministic.
type Scheduler interface {
	// AfterFunc runs f once after d. The returned stop func cancels it and
	// reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// RealScheduler schedules on the runtime timer.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
