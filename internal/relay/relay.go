// Package relay multiplexes per-job status messages from the pub/sub bus to
// local listeners. An upstream subscription for a channel exists exactly when
// that channel has at least one registered listener.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/slideforge/converter-gateway/internal/api/domain"
)

// ChannelPrefix is prepended to a job ID to form its status channel name.
const ChannelPrefix = "conversion:"

// listenerBuffer is the capacity of each listener's event channel. A
// listener whose buffer is full has further events dropped for it alone.
const listenerBuffer = 16

// ErrRelayClosed is returned by Subscribe after Close.
var ErrRelayClosed = errors.New("relay is closed")

// ChannelName derives the status channel name for a job.
func ChannelName(jobID string) string {
	return ChannelPrefix + jobID
}

// UnsubscribeFunc removes exactly one listener. Single-use; later calls are
// no-ops.
type UnsubscribeFunc func()

type channelState struct {
	// listeners in registration order; fan-out follows this order.
	listeners []chan domain.StatusEvent
}

// Relay owns the channel → listener-set map. All registration, removal, and
// fan-out are serialized under one mutex.
type Relay struct {
	bus    Bus
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool

	done chan struct{}
}

// New creates a Relay on top of bus and starts its dispatch loop.
func New(bus Bus, logger *slog.Logger) *Relay {
	r := &Relay{
		bus:      bus,
		logger:   logger,
		channels: make(map[string]*channelState),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Subscribe registers a listener for jobID's status channel, opening the
// upstream subscription if this is the channel's first listener. Events
// published before registration are never replayed.
func (r *Relay) Subscribe(ctx context.Context, jobID string) (<-chan domain.StatusEvent, UnsubscribeFunc, error) {
	channel := ChannelName(jobID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRelayClosed
	}

	state, ok := r.channels[channel]
	if !ok {
		if err := r.bus.Subscribe(ctx, channel); err != nil {
			return nil, nil, err
		}
		state = &channelState{}
		r.channels[channel] = state

		r.logger.Debug("Opened upstream subscription",
			slog.String("channel", channel),
		)
	}

	ch := make(chan domain.StatusEvent, listenerBuffer)
	state.listeners = append(state.listeners, ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.removeListener(channel, ch)
		})
	}

	return ch, unsubscribe, nil
}

// removeListener detaches ch; when the last listener detaches, the upstream
// subscription is closed and the channel entry removed.
func (r *Relay) removeListener(channel string, ch chan domain.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[channel]
	if !ok {
		return
	}

	for i, l := range state.listeners {
		if l == ch {
			state.listeners = append(state.listeners[:i], state.listeners[i+1:]...)
			close(l)
			break
		}
	}

	if len(state.listeners) == 0 {
		delete(r.channels, channel)

		if err := r.bus.Unsubscribe(context.Background(), channel); err != nil {
			r.logger.Error("Failed to close upstream subscription",
				slog.String("channel", channel),
				slog.Any("error", err),
			)
		} else {
			r.logger.Debug("Closed upstream subscription",
				slog.String("channel", channel),
			)
		}
	}
}

// run dispatches inbound bus messages until the bus closes its message
// channel.
func (r *Relay) run() {
	defer close(r.done)

	for msg := range r.bus.Messages() {
		r.dispatch(msg)
	}
}

// dispatch decodes a message once and delivers it to every listener of its
// channel. Delivery is a non-blocking send per listener: one listener that
// cannot accept does not prevent delivery to the rest.
func (r *Relay) dispatch(msg BusMessage) {
	jobID := strings.TrimPrefix(msg.Channel, ChannelPrefix)

	var event domain.StatusEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		r.logger.Error("Failed to decode status message",
			slog.String("channel", msg.Channel),
			slog.Any("error", err),
		)
		return
	}
	event.JobID = jobID

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[msg.Channel]
	if !ok {
		// No listener registered; the event is dropped, never replayed.
		return
	}

	for _, listener := range state.listeners {
		select {
		case listener <- event:
		default:
			r.logger.Warn("Listener not keeping up, status event dropped",
				slog.String("job_id", jobID),
				slog.String("status", event.Status),
			)
		}
	}
}

// Close shuts the relay down: the upstream bus is closed, every listener
// channel is closed, and further Subscribe calls fail.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	for channel, state := range r.channels {
		for _, l := range state.listeners {
			close(l)
		}
		delete(r.channels, channel)
	}
	r.mu.Unlock()

	err := r.bus.Close()
	<-r.done
	return err
}
