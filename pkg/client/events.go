package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/events"
)

// eventRetryInterval is how long SubscribeEvents waits before reconnecting.
var eventRetryInterval = 2 * time.Second

// SubscribeEvents streams daemon events until ctx is done. The stream is
// reopened when the daemon goes away. The returned channel is closed when ctx
// is done.
func (c *Client) SubscribeEvents(ctx context.Context) <-chan events.Event {
	ch := make(chan events.Event, 16)

	go func() {
		defer close(ch)

		for {
			err := c.streamEvents(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Debug("event stream ended, reconnecting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(eventRetryInterval):
			}
		}
	}()

	return ch
}

func (c *Client) streamEvents(ctx context.Context, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", "")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, string(b))
	}

	return readEvents(ctx, resp.Body, ch)
}

// readEvents parses a text/event-stream body. Comment lines are ignored and a
// blank line dispatches the pending event.
func readEvents(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	var (
		name string
		data strings.Builder
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()

		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			ev := events.Event{Name: name, Data: []byte(data.String())}
			name = ""
			data.Reset()

			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	return errors.New("event stream closed by daemon")
}
