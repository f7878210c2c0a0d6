// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"
)

const (
	backoffMin = 2 * time.Second
	backoffMax = 128 * time.Second
)

// backoff doubles its delay on every consecutive failure, from backoffMin
// up to backoffMax. A single timer is reused across waits.
type backoff struct {
	attempts int
	timer    *time.Timer
}

func newBackoff() *backoff {
	return &backoff{}
}

func (b *backoff) next() time.Duration {
	d := backoffMin << uint(b.attempts)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	b.attempts++
	return d
}

func (b *backoff) reset() {
	b.attempts = 0
	backoffGauge.Set(0)
}

// wait blocks for the next backoff interval. Returns false if the context
// was cancelled before the interval elapsed.
func (b *backoff) wait(ctx context.Context) bool {
	d := b.next()
	backoffGauge.Set(d.Seconds())
	if b.timer == nil {
		b.timer = time.NewTimer(d)
	} else {
		b.timer.Reset(d)
	}
	select {
	case <-b.timer.C:
		return true
	case <-ctx.Done():
		if !b.timer.Stop() {
			<-b.timer.C
		}
		return false
	}
}
