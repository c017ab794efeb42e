// Copyright 2025 The obscura-core Authors
// This file is part of the obscura-core library.
//
// The obscura-core library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The obscura-core library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the obscura-core library. If not, see <http://www.gnu.org/licenses/>.

package api

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/obscura-network/obscura-core/params"
)

// limiterCacheSize bounds the number of live (caller, class) buckets.
const limiterCacheSize = 8192

// limiterSet hands out one token bucket per (caller, operation class).
// Idle buckets fall out of the LRU; a re-admitted caller starts with a full
// bucket, which errs toward generosity.
type limiterSet struct {
	classes map[string]params.RateLimit

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

func newLimiterSet(classes map[string]params.RateLimit) (*limiterSet, error) {
	buckets, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &limiterSet{classes: classes, buckets: buckets}, nil
}

// reserve takes one token from the caller's bucket for the class. When the
// bucket is empty it reports the wait until the next token; unknown classes
// are not limited.
func (ls *limiterSet) reserve(caller, class string) (time.Duration, bool) {
	limit, ok := ls.classes[class]
	if !ok {
		return 0, false
	}
	key := caller + ":" + class

	ls.mu.Lock()
	lim, ok := ls.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst)
		ls.buckets.Add(key, lim)
	}
	ls.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, true
	}
	return 0, false
}
