package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aura-classroom/backend/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	closed := func(id int64) event.Event {
		return event.PollClosed{SessionID: 1, PollID: id, Reason: "closed"}
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber only receives events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published:   []event.Event{closed(1), eventWithName("other")},
					subscribers: []subscriber{{name: "queue", subscribeTo: []string{event.NamePollClosed}}},
				}
			},
			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{closed(1)}, out.received["queue"])
			},
		},

		"an event is dispatched to every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{closed(7)},
					subscribers: []subscriber{
						{name: "queue", subscribeTo: []string{event.NamePollClosed}},
						{name: "results", subscribeTo: []string{event.NamePollClosed}},
					},
				}
			},
			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{closed(7)}, out.received["queue"])
				assert.ElementsMatch(t, []event.Event{closed(7)}, out.received["results"])
			},
		},

		"handler errors and panics do not stop other deliveries": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{closed(1), closed(2)},
					subscribers: []subscriber{
						{name: "broken", subscribeTo: []string{event.NamePollClosed}, fail: true},
						{name: "panics", subscribeTo: []string{event.NamePollClosed}, panics: true},
						{name: "ok", subscribeTo: []string{event.NamePollClosed}},
					},
				}
			},
			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{closed(1), closed(2)}, out.received["ok"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus(nil)
			for _, s := range in.subscribers {
				s := s
				for _, name := range s.subscribeTo {
					b.Subscribe(name, func(ctx context.Context, e event.Event) error {
						if s.panics {
							panic("boom")
						}
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						if s.fail {
							return errors.New("failed")
						}
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
	fail        bool
	panics      bool
}
