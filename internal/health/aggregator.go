// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health aggregates liveness probes from every subsystem into a
// single report. Probes run concurrently with an individual timeout, and
// a probe that panics or times out counts as unhealthy rather than taking
// the aggregator down.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeFunc reports whether one subsystem is currently healthy.
type ProbeFunc func(ctx context.Context) bool

const defaultProbeTimeout = 3 * time.Second

// Report is the aggregated health snapshot. Components always contains an
// entry per registered probe, even for probes that panicked.
type Report struct {
	Healthy    bool            `json:"healthy"`
	Components map[string]bool `json:"components"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Aggregator runs a fixed set of named probes.
type Aggregator struct {
	mu      sync.Mutex
	probes  map[string]ProbeFunc
	timeout time.Duration
}

// NewAggregator creates an empty aggregator with the default per-probe
// timeout.
func NewAggregator() *Aggregator {
	return &Aggregator{
		probes:  make(map[string]ProbeFunc),
		timeout: defaultProbeTimeout,
	}
}

// Register adds a named probe. Registering the same name again replaces
// the earlier probe.
func (a *Aggregator) Register(name string, probe ProbeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes[name] = probe
}

// Check runs every registered probe concurrently and returns the combined
// report. The overall Healthy flag is true only when every component is.
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.Lock()
	probes := make(map[string]ProbeFunc, len(a.probes))
	for name, probe := range a.probes {
		probes[name] = probe
	}
	a.mu.Unlock()

	var mu sync.Mutex
	components := make(map[string]bool, len(probes))

	g, ctx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		name, probe := name, probe
		g.Go(func() error {
			ok := a.runProbe(ctx, name, probe)
			mu.Lock()
			components[name] = ok
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	healthy := true
	for _, ok := range components {
		if !ok {
			healthy = false
			break
		}
	}

	return Report{
		Healthy:    healthy,
		Components: components,
		CheckedAt:  time.Now().UTC(),
	}
}

// runProbe executes one probe under its own timeout and converts panics
// into an unhealthy verdict.
func (a *Aggregator) runProbe(ctx context.Context, name string, probe ProbeFunc) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("health probe panicked", "component", name, "panic", r)
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("health probe panicked", "component", name, "panic", r)
				done <- false
			}
		}()
		done <- probe(ctx)
	}()

	select {
	case ok = <-done:
		return ok
	case <-ctx.Done():
		slog.Warn("health probe timed out", "component", name)
		return false
	}
}
