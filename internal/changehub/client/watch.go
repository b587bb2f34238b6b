package client

import (
	"context"
	"errors"

	"gitlab.com/gitlab-org/changehub/internal/changehub/api"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
)

var errNoDialer = errors.New("client has no dialer")

// Watch streams the tip of the document to handle until ctx ends, handle fails or the stream
// breaks. The first tip is the one current when the stream opened. A broken stream is
// reported as a transient transport failure.
func (c *Client) Watch(ctx context.Context, handle func(api.Tip) error) error {
	if c.dialer == nil {
		return errNoDialer
	}

	conn, err := c.dialer.Dial(ctx, c.path("/watch"))
	if err != nil {
		return hubError(err)
	}

	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the pending read.
			conn.Close()
		case <-done:
		}
	}()

	for {
		var tip api.Tip
		if err := conn.ReadJSON(&tip); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transport.ConnectFailed(err)
		}

		if err := handle(tip); err != nil {
			return err
		}
	}
}
