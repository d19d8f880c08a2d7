////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package presence maintains the local user's online status and tracks
// typing activity in the active conversation. All of its writes are best
// effort: a failed heartbeat or typing broadcast is logged and dropped, never
// surfaced to callers.
package presence

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// heartbeatInterval is how often the online status is refreshed while the
// app is visible. Consumers treat a status older than roughly twice this as
// offline.
const heartbeatInterval = 60 * time.Second

// Status is the local user's reported presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusWriter persists presence updates. LastSeen is set to the write time
// on every update regardless of status.
type StatusWriter interface {
	SetStatus(ctx context.Context, userID string, status Status) error
}

// Heartbeat periodically refreshes the local user's online status while the
// app is visible and writes offline on hide and on shutdown.
type Heartbeat struct {
	mux     sync.Mutex
	writer  StatusWriter
	userID  string
	visible bool
	ticker  *time.Ticker
	done    chan struct{}
	stopped bool

	interval time.Duration
}

// NewHeartbeat builds a heartbeat for the given user. It starts in the
// visible state and writes an immediate online status.
func NewHeartbeat(writer StatusWriter, userID string) *Heartbeat {
	hb := &Heartbeat{
		writer:   writer,
		userID:   userID,
		interval: heartbeatInterval,
		done:     make(chan struct{}),
	}
	hb.SetVisible(true)
	return hb
}

// SetVisible reports an app visibility transition. Becoming visible writes
// online immediately and starts the refresh loop; becoming hidden writes
// offline and stops it.
func (hb *Heartbeat) SetVisible(visible bool) {
	hb.mux.Lock()
	defer hb.mux.Unlock()

	if hb.stopped {
		return
	}

	hb.visible = visible
	if visible {
		hb.write(StatusOnline)
		if hb.ticker == nil {
			hb.ticker = time.NewTicker(hb.interval)
			go hb.loop(hb.ticker, hb.done)
		} else {
			hb.ticker.Reset(hb.interval)
		}
	} else {
		if hb.ticker != nil {
			hb.ticker.Stop()
		}
		hb.write(StatusOffline)
	}
}

// loop refreshes the online status until its ticker is stopped or the
// heartbeat shuts down.
func (hb *Heartbeat) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb.mux.Lock()
			if hb.visible && !hb.stopped {
				hb.write(StatusOnline)
			}
			hb.mux.Unlock()
		}
	}
}

// Stop writes a final offline status and halts the refresh loop. The
// heartbeat cannot be restarted afterward.
func (hb *Heartbeat) Stop() {
	hb.mux.Lock()
	defer hb.mux.Unlock()

	if hb.stopped {
		return
	}
	hb.stopped = true
	if hb.ticker != nil {
		hb.ticker.Stop()
	}
	close(hb.done)
	hb.write(StatusOffline)
}

// write persists a status update. Presence is advisory, so a failed write is
// logged and dropped.
func (hb *Heartbeat) write(status Status) {
	if hb.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hb.writer.SetStatus(ctx, hb.userID, status); err != nil {
		jww.WARN.Printf("Failed to write %s status for %q: %+v",
			status, hb.userID, err)
	}
}
