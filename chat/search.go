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
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// searchDebounce is how long a query must sit unchanged before the lookup is
// issued. Keystrokes inside the window supersede the pending lookup.
const searchDebounce = 400 * time.Millisecond

// minQueryLen is the shortest query that triggers a lookup; anything shorter
// clears the results instead.
const minQueryLen = 2

// Searcher debounces user-directory lookups. Only the newest query can
// deliver results: setting a new query cancels both the pending timer and any
// lookup already in flight, and a lookup that completes after being
// superseded is discarded.
type Searcher struct {
	mux      sync.Mutex
	identity Identity
	deliver  func(query string, results []*Profile)
	debounce time.Duration

	seq     uint64
	timer   *time.Timer
	cancel  context.CancelFunc
	results []*Profile
	loading bool
}

// NewSearcher builds a Searcher delivering results through the given
// callback. The callback runs without the Searcher's lock held.
func NewSearcher(identity Identity,
	deliver func(query string, results []*Profile)) *Searcher {
	return &Searcher{
		identity: identity,
		deliver:  deliver,
		debounce: searchDebounce,
	}
}

// SetQuery records the latest query text. Queries shorter than two characters
// clear the results immediately; anything longer schedules a debounced
// lookup, superseding whatever was pending or in flight.
func (s *Searcher) SetQuery(query string) {
	query = strings.TrimSpace(query)

	s.mux.Lock()
	defer s.mux.Unlock()

	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if len(query) < minQueryLen {
		s.results = nil
		s.loading = false
		return
	}

	s.loading = true
	seq := s.seq
	s.timer = time.AfterFunc(s.debounce, func() {
		s.lookup(seq, query)
	})
}

// lookup performs the directory search for the given generation of the
// query. Results are installed only if no newer query has arrived since.
func (s *Searcher) lookup(seq uint64, query string) {
	s.mux.Lock()
	if seq != s.seq {
		s.mux.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mux.Unlock()

	results, err := s.identity.SearchUsers(ctx, query)

	s.mux.Lock()
	if seq != s.seq {
		s.mux.Unlock()
		return
	}
	s.cancel = nil
	s.loading = false
	if err != nil {
		jww.WARN.Printf("User search for %q failed: %+v", query, err)
		s.results = nil
		s.mux.Unlock()
		return
	}
	s.results = results
	s.mux.Unlock()

	if s.deliver != nil {
		s.deliver(query, results)
	}
}

// Results returns the most recently delivered result set.
func (s *Searcher) Results() []*Profile {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.results
}

// Loading reports whether a lookup is pending or in flight.
func (s *Searcher) Loading() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.loading
}

// Stop cancels any pending or in-flight lookup.
func (s *Searcher) Stop() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.loading = false
}
