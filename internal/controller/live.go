package controller

import (
	"context"
	"sync"
)

// LiveEmit receives the outcome of each accepted frame. Calls are never
// concurrent.
type LiveEmit func(m *Match, err error)

// Live matches frames until ctx is done or frames is closed. A frame that
// arrives while a match is in flight is dropped and counted; frames are
// never queued. Live waits for the in-flight match before returning.
func (c *Controller) Live(ctx context.Context, frames <-chan []byte, emit LiveEmit) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if !c.acquire() {
				continue
			}
			wg.Add(1)
			go func(frame []byte) {
				defer wg.Done()
				defer c.busy.Store(false)
				m, err := c.matchHeld(ctx, func(context.Context) ([]byte, error) { return frame, nil })
				if emit != nil {
					emit(m, err)
				}
			}(frame)
		}
	}
}
