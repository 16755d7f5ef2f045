// SPDX-License-Identifier: MIT

package locker

import (
	"context"

	"github.com/dolaplink/lockerd/internal/model"
)

// EventSink receives audit events emitted by the manager. The event logger
// implements it; the indirection keeps the dependency acyclic.
type EventSink interface {
	Append(ctx context.Context, ev model.Event) error
}

// StatePublisher receives a state_update fan-out for every committed
// transition. The broadcast hub implements it. Publishing happens
// synchronously inside the commit path so subscribers observe transitions
// for a given locker in commit order.
type StatePublisher interface {
	PublishState(ctx context.Context, l *model.Locker)
}

// NopEventSink discards events; used by tests and tooling.
type NopEventSink struct{}

func (NopEventSink) Append(context.Context, model.Event) error { return nil }

// NopPublisher discards state updates; used by tests and tooling.
type NopPublisher struct{}

func (NopPublisher) PublishState(context.Context, *model.Locker) {}
