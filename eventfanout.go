package cellstate

import (
	"context"
	"errors"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnState(event schema.StateEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnState(event)
	}
}

func (f eventFanout) OnSessionEvent(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionEvent(event)
	}
}

// channelFanout posts to every channel and joins their errors.
type channelFanout struct {
	channels []core.MessageChannel
}

func (f channelFanout) Post(ctx context.Context, file schema.FileID, msg schema.Message) error {
	var errs []error
	for _, ch := range f.channels {
		if ch == nil {
			continue
		}
		if err := ch.Post(ctx, file, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
