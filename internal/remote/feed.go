package remote

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/pins"
)

// SubscribeChanges opens the backend's websocket change feed and delivers
// decoded events until the connection drops or the subscription is cancelled.
// With no feed URL configured it returns an inert stream that never emits and
// never errors; callers must not assume liveness.
func (c *Client) SubscribeChanges(ctx context.Context) (<-chan pins.ChangeEvent, func(), error) {
	events := make(chan pins.ChangeEvent, 16)

	if c.feedURL == "" {
		var once sync.Once
		cancel := func() {
			once.Do(func() { close(events) })
		}
		go func() {
			<-ctx.Done()
			cancel()
		}()
		return events, cancel, nil
	}

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, c.feedURL, nil)
	if response != nil && response.Body != nil {
		response.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			conn.Close() //nolint:errcheck
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()

	go func() {
		defer close(events)
		defer cancel()
		for {
			var payload changePayload
			if err := conn.ReadJSON(&payload); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("change feed closed", zap.Error(err))
				}
				return
			}
			event, err := changeEventFromPayload(payload)
			if err != nil {
				c.logger.Warn("change feed payload skipped",
					zap.String("pin_id", payload.PinID),
					zap.Error(err))
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, cancel, nil
}

func changeEventFromPayload(payload changePayload) (pins.ChangeEvent, error) {
	event := pins.ChangeEvent{Kind: pins.ChangeKind(payload.Event), PinID: payload.PinID}
	if payload.Pin != nil {
		pin, err := pinFromPayload(*payload.Pin)
		if err != nil {
			return pins.ChangeEvent{}, err
		}
		event.Pin = &pin
		if event.PinID == "" {
			event.PinID = pin.ID
		}
	}
	return event, nil
}
