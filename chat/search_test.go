////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubDirectory is an Identity whose SearchUsers filters a fixed profile set,
// recording each query it actually receives.
type stubDirectory struct {
	mux      sync.Mutex
	profiles []*Profile
	queries  []string
	delay    time.Duration
}

func (d *stubDirectory) GetProfile(_ context.Context, userID string) (
	*Profile, error) {
	for _, p := range d.profiles {
		if p.ID == userID {
			return p, nil
		}
	}
	return nil, MessageNotFoundErr
}

func (d *stubDirectory) SearchUsers(ctx context.Context, query string) (
	[]*Profile, error) {
	d.mux.Lock()
	d.queries = append(d.queries, query)
	d.mux.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []*Profile
	for _, p := range d.profiles {
		if strings.Contains(p.Username, query) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *stubDirectory) seen() []string {
	d.mux.Lock()
	defer d.mux.Unlock()
	return append([]string(nil), d.queries...)
}

func newTestSearcher(dir *stubDirectory,
	deliver func(query string, results []*Profile)) *Searcher {
	s := NewSearcher(dir, deliver)
	s.debounce = 20 * time.Millisecond
	return s
}

// Tests that rapid query changes issue a single lookup for the final query.
func TestSearcher_Debounce(t *testing.T) {
	dir := &stubDirectory{profiles: []*Profile{
		{ID: "a", Username: "alice"},
		{ID: "b", Username: "albert"},
	}}

	var mux sync.Mutex
	var delivered []string
	s := newTestSearcher(dir, func(query string, _ []*Profile) {
		mux.Lock()
		delivered = append(delivered, query)
		mux.Unlock()
	})

	s.SetQuery("al")
	s.SetQuery("ali")
	s.SetQuery("alic")
	require.True(t, s.Loading())

	time.Sleep(60 * time.Millisecond)

	require.Equal(t, []string{"alic"}, dir.seen(),
		"superseded queries must never reach the directory")
	mux.Lock()
	require.Equal(t, []string{"alic"}, delivered)
	mux.Unlock()
	require.False(t, s.Loading())
	require.Len(t, s.Results(), 1)
	require.Equal(t, "alice", s.Results()[0].Username)
}

// Tests that queries under the minimum length clear results without a lookup.
func TestSearcher_ShortQueryClears(t *testing.T) {
	dir := &stubDirectory{profiles: []*Profile{{ID: "a", Username: "alice"}}}
	s := newTestSearcher(dir, nil)

	s.SetQuery("al")
	time.Sleep(60 * time.Millisecond)
	require.Len(t, s.Results(), 1)

	s.SetQuery("a")
	require.Empty(t, s.Results())
	require.False(t, s.Loading())
	time.Sleep(60 * time.Millisecond)
	require.Len(t, dir.seen(), 1, "a short query must not issue a lookup")
}

// Tests that a lookup still in flight when a new query arrives is cancelled
// and its results discarded.
func TestSearcher_StaleLookupDiscarded(t *testing.T) {
	dir := &stubDirectory{
		profiles: []*Profile{
			{ID: "a", Username: "alice"},
			{ID: "b", Username: "bob"},
		},
		delay: 50 * time.Millisecond,
	}

	var mux sync.Mutex
	var delivered []string
	s := newTestSearcher(dir, func(query string, _ []*Profile) {
		mux.Lock()
		delivered = append(delivered, query)
		mux.Unlock()
	})

	s.SetQuery("alice")
	time.Sleep(30 * time.Millisecond) // the first lookup is now in flight
	s.SetQuery("bob")
	time.Sleep(120 * time.Millisecond)

	mux.Lock()
	require.Equal(t, []string{"bob"}, delivered,
		"only the newest query may deliver")
	mux.Unlock()
	require.Len(t, s.Results(), 1)
	require.Equal(t, "bob", s.Results()[0].Username)
}

// Tests that Stop cancels a pending lookup.
func TestSearcher_Stop(t *testing.T) {
	dir := &stubDirectory{profiles: []*Profile{{ID: "a", Username: "alice"}}}
	s := newTestSearcher(dir, nil)

	s.SetQuery("alice")
	s.Stop()
	require.False(t, s.Loading())
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, dir.seen())
}
