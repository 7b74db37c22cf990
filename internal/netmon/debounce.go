package netmon

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer coalesces rapid network change events.
type Debouncer struct {
	interval time.Duration
	clk      clock.Clock
	input    <-chan Event
	output   chan Event
}

// NewDebouncer creates a debouncer that coalesces events within the given interval.
func NewDebouncer(input <-chan Event, interval time.Duration, clk clock.Clock) *Debouncer {
	return &Debouncer{
		interval: interval,
		clk:      clk,
		input:    input,
		output:   make(chan Event),
	}
}

// Run starts the debouncer and returns the output channel. Events inside
// the debounce interval are coalesced into the latest one.
func (d *Debouncer) Run(ctx context.Context) <-chan Event {
	go d.loop(ctx)
	return d.output
}

func (d *Debouncer) loop(ctx context.Context) {
	defer close(d.output)

	var timer *clock.Timer
	var timerChan <-chan time.Time
	var pending *Event

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-d.input:
			if !ok {
				// Input closed, flush any pending event.
				if pending != nil {
					select {
					case d.output <- *pending:
					case <-ctx.Done():
					}
				}
				return
			}

			pending = &event

			if timer == nil {
				timer = d.clk.Timer(d.interval)
				timerChan = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.interval)
			}

		case <-timerChan:
			if pending != nil {
				select {
				case d.output <- *pending:
				case <-ctx.Done():
					return
				}
				pending = nil
			}
			timerChan = nil
		}
	}
}
