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

// Package metrics samples process and system statistics into the default
// metrics registry.
package metrics

import (
	"runtime"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/shirou/gopsutil/cpu"
)

// CollectProcessMetrics periodically refreshes memory, GC and CPU gauges in
// the default registry. It blocks, so run it in a goroutine.
func CollectProcessMetrics(refresh time.Duration) {
	allocsGauge := metrics.GetOrRegisterGauge("system/memory/allocs", nil)
	freesGauge := metrics.GetOrRegisterGauge("system/memory/frees", nil)
	heldGauge := metrics.GetOrRegisterGauge("system/memory/held", nil)
	usedGauge := metrics.GetOrRegisterGauge("system/memory/used", nil)
	pausesGauge := metrics.GetOrRegisterGauge("system/memory/pauses", nil)
	goroutinesGauge := metrics.GetOrRegisterGauge("system/goroutines", nil)
	cpuBusyGauge := metrics.GetOrRegisterGauge("system/cpu/busy_permille", nil)

	var (
		memstats  runtime.MemStats
		prevBusy  float64
		prevTotal float64
	)
	for range time.Tick(refresh) {
		runtime.ReadMemStats(&memstats)
		allocsGauge.Update(int64(memstats.Mallocs))
		freesGauge.Update(int64(memstats.Frees))
		heldGauge.Update(int64(memstats.HeapSys - memstats.HeapReleased))
		usedGauge.Update(int64(memstats.Alloc))
		pausesGauge.Update(int64(memstats.PauseTotalNs))
		goroutinesGauge.Update(int64(runtime.NumGoroutine()))

		if times, err := cpu.Times(false); err == nil && len(times) > 0 {
			busy := times[0].User + times[0].Nice + times[0].System
			total := busy + times[0].Idle + times[0].Iowait
			if dt := total - prevTotal; dt > 0 && prevTotal > 0 {
				cpuBusyGauge.Update(int64(1000 * (busy - prevBusy) / dt))
			}
			prevBusy, prevTotal = busy, total
		}
	}
}
