////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// statusRecorder captures presence writes in order.
type statusRecorder struct {
	mux     sync.Mutex
	updates []Status
}

func (sr *statusRecorder) SetStatus(_ context.Context, _ string,
	status Status) error {
	sr.mux.Lock()
	defer sr.mux.Unlock()
	sr.updates = append(sr.updates, status)
	return nil
}

func (sr *statusRecorder) all() []Status {
	sr.mux.Lock()
	defer sr.mux.Unlock()
	return append([]Status(nil), sr.updates...)
}

// Tests that the heartbeat writes online immediately, refreshes while
// visible, and writes a final offline on stop.
func TestHeartbeat_Lifecycle(t *testing.T) {
	rec := &statusRecorder{}
	hb := &Heartbeat{
		writer:   rec,
		userID:   "user",
		interval: 20 * time.Millisecond,
		done:     make(chan struct{}),
	}
	hb.SetVisible(true)

	require.Equal(t, []Status{StatusOnline}, rec.all())

	time.Sleep(50 * time.Millisecond)
	require.GreaterOrEqual(t, len(rec.all()), 2,
		"the ticker must refresh the online status")

	hb.Stop()
	updates := rec.all()
	require.Equal(t, StatusOffline, updates[len(updates)-1])

	// Stop is idempotent and the loop must not write after it.
	n := len(rec.all())
	hb.Stop()
	time.Sleep(40 * time.Millisecond)
	require.Len(t, rec.all(), n)
}

// Tests visibility transitions: hiding writes offline and pauses refreshes;
// becoming visible again resumes them.
func TestHeartbeat_Visibility(t *testing.T) {
	rec := &statusRecorder{}
	hb := &Heartbeat{
		writer:   rec,
		userID:   "user",
		interval: 20 * time.Millisecond,
		done:     make(chan struct{}),
	}
	hb.SetVisible(true)
	defer hb.Stop()

	hb.SetVisible(false)
	updates := rec.all()
	require.Equal(t, StatusOffline, updates[len(updates)-1])

	// No refreshes while hidden.
	n := len(rec.all())
	time.Sleep(50 * time.Millisecond)
	require.Len(t, rec.all(), n)

	hb.SetVisible(true)
	updates = rec.all()
	require.Equal(t, StatusOnline, updates[len(updates)-1])
}
