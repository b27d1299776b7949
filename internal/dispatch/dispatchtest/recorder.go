// Package dispatchtest records published realtime messages for assertions.
package dispatchtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/ride-dispatch/internal/dispatch"
)

type Published struct {
	Channel string
	Msg     dispatch.Message
}

type Recorder struct {
	mu   sync.Mutex
	msgs []Published
}

func (r *Recorder) Publish(_ context.Context, channel string, msg dispatch.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Published{Channel: channel, Msg: msg})
	return nil
}

// Events returns the event names published to channel, in order.
func (r *Recorder) Events(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.msgs {
		if p.Channel == channel {
			out = append(out, p.Msg.Event)
		}
	}
	return out
}

// Last decodes the data of the most recent event on channel into v.
func (r *Recorder) Last(channel, event string, v any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		p := r.msgs[i]
		if p.Channel == channel && p.Msg.Event == event {
			return json.Unmarshal(p.Msg.Data, v) == nil
		}
	}
	return false
}
