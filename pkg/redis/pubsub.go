package redis

import (
	"context"
	"fmt"
)

// Message is a payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pub/sub subscription. Messages arrive on C until
// Close is called or the parent context is cancelled.
type Subscription struct {
	C      <-chan Message
	close  func() error
	cancel context.CancelFunc
}

// Close unsubscribes and releases the underlying connection.
func (s *Subscription) Close() error {
	s.cancel()
	return s.close()
}

// Subscribe subscribes to the given channels and waits for the server to
// confirm the subscription, so messages published after Subscribe returns are
// not missed. Slow receivers drop messages once the buffer of size buf fills.
func (c *Client) Subscribe(ctx context.Context, buf int, channels ...string) (*Subscription, error) {
	sub := c.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %v: %w", channels, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Message, buf)
	go func() {
		defer close(out)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &Subscription{
		C:      out,
		close:  sub.Close,
		cancel: cancel,
	}, nil
}
