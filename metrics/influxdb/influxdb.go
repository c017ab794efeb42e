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

// Package influxdb forwards the coordinator metrics registry to an
// InfluxDB v1 endpoint.
package influxdb

import (
	"fmt"
	uurl "net/url"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// Reporter posts the registry to InfluxDB at a fixed interval. Counters are
// reported as deltas since the previous post.
type Reporter struct {
	reg      metrics.Registry
	interval time.Duration

	url       uurl.URL
	database  string
	username  string
	password  string
	namespace string
	tags      map[string]string
	log       zerolog.Logger

	client client.Client
	cache  map[string]int64

	quit chan struct{}
	done chan struct{}
}

// New builds a reporter. Start begins the periodic posting.
func New(reg metrics.Registry, interval time.Duration, url, database, username, password, namespace string, tags map[string]string, logger zerolog.Logger) (*Reporter, error) {
	u, err := uurl.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("invalid influxdb url %q: %w", url, err)
	}
	r := &Reporter{
		reg:       reg,
		interval:  interval,
		url:       *u,
		database:  database,
		username:  username,
		password:  password,
		namespace: namespace,
		tags:      tags,
		log:       logger.With().Str("component", "influxdb").Logger(),
		cache:     make(map[string]int64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := r.makeClient(); err != nil {
		return nil, fmt.Errorf("influxdb client: %w", err)
	}
	return r, nil
}

func (r *Reporter) makeClient() (err error) {
	r.client, err = client.NewHTTPClient(client.HTTPConfig{
		Addr:     r.url.String(),
		Username: r.username,
		Password: r.password,
		Timeout:  10 * time.Second,
	})
	return
}

// Start launches the reporting loop.
func (r *Reporter) Start() {
	go r.run()
}

// Stop terminates the reporting loop after a final post.
func (r *Reporter) Stop() {
	close(r.quit)
	<-r.done
}

func (r *Reporter) run() {
	defer close(r.done)
	intervalTicker := time.NewTicker(r.interval)
	pingTicker := time.NewTicker(5 * time.Second)
	defer intervalTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case <-intervalTicker.C:
			if err := r.send(); err != nil {
				r.log.Warn().Err(err).Msg("failed to post metrics to influxdb")
			}
		case <-pingTicker.C:
			if _, _, err := r.client.Ping(0); err != nil {
				r.log.Warn().Err(err).Msg("influxdb ping failed, recreating client")
				if err = r.makeClient(); err != nil {
					r.log.Warn().Err(err).Msg("failed to recreate influxdb client")
				}
			}
		case <-r.quit:
			if err := r.send(); err != nil {
				r.log.Warn().Err(err).Msg("final metrics post failed")
			}
			return
		}
	}
}

func (r *Reporter) send() error {
	bps, err := client.NewBatchPoints(client.BatchPointsConfig{Database: r.database})
	if err != nil {
		return err
	}
	now := time.Now()
	r.reg.Each(func(name string, i interface{}) {
		measurement, fields := r.readMeter(name, i)
		if fields == nil {
			return
		}
		if p, err := client.NewPoint(measurement, r.tags, fields, now); err == nil {
			bps.AddPoint(p)
		}
	})
	return r.client.Write(bps)
}

// readMeter flattens one registry entry into a measurement name and its
// field set. Unknown types are skipped.
func (r *Reporter) readMeter(name string, i interface{}) (string, map[string]interface{}) {
	measurement := fmt.Sprintf("%s%s", r.namespace, name)
	switch m := i.(type) {
	case metrics.Counter:
		count := m.Count()
		delta := count - r.cache[name]
		r.cache[name] = count
		return measurement + ".count", map[string]interface{}{
			"value": delta,
		}
	case metrics.Gauge:
		return measurement + ".gauge", map[string]interface{}{
			"value": m.Value(),
		}
	case metrics.GaugeFloat64:
		return measurement + ".gauge", map[string]interface{}{
			"value": m.Value(),
		}
	case metrics.Histogram:
		s := m.Snapshot()
		ps := s.Percentiles([]float64{0.5, 0.9, 0.99})
		return measurement + ".histogram", map[string]interface{}{
			"count":  s.Count(),
			"min":    s.Min(),
			"max":    s.Max(),
			"mean":   s.Mean(),
			"stddev": s.StdDev(),
			"p50":    ps[0],
			"p90":    ps[1],
			"p99":    ps[2],
		}
	case metrics.Meter:
		s := m.Snapshot()
		return measurement + ".meter", map[string]interface{}{
			"count": s.Count(),
			"m1":    s.Rate1(),
			"m5":    s.Rate5(),
			"m15":   s.Rate15(),
			"mean":  s.RateMean(),
		}
	case metrics.Timer:
		s := m.Snapshot()
		ps := s.Percentiles([]float64{0.5, 0.9, 0.99})
		return measurement + ".timer", map[string]interface{}{
			"count":  s.Count(),
			"min":    s.Min(),
			"max":    s.Max(),
			"mean":   s.Mean(),
			"stddev": s.StdDev(),
			"p50":    ps[0],
			"p90":    ps[1],
			"p99":    ps[2],
			"m1":     s.Rate1(),
			"m5":     s.Rate5(),
			"m15":    s.Rate15(),
		}
	default:
		return "", nil
	}
}
