package api

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/subscription"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigFastest

// PingInterval is how often idle live feeds write a keep alive.
var PingInterval = 5 * time.Second

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// allLive streams the global log as JSON text frames, from the position in the from query
// parameter or only new messages when it is missing.
func (h handlers) allLive() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		from := store.PositionEnd
		if raw := conn.Query("from"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				if err := conn.WriteJSON(map[string]string{"error": "invalid from " + raw}); err != nil {
					log.WithError(err).Debug("writing live feed error")
				}
				return
			}
			from = v
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub := h.store.SubscribeToAll(ctx, from,
			func(ctx context.Context, _ *subscription.All, m store.Message) error {
				return conn.WriteJSON(toMessage(m))
			},
			subscription.WithDropped(func(reason subscription.DropReason, err error) {
				if err != nil {
					log.WithError(err).Debug("live feed subscription dropped", "reason", reason)
				}
				cancel()
			}),
		)
		// The handler writes to conn, so wait for delivery to stop before the conn is released.
		defer func() {
			sub.Close()
			<-sub.Done()
		}()
		// Reading detects the client going away. Nothing the client sends is used.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		<-ctx.Done()
	})
}

// streamLive streams the messages of one stream as server sent events, from the version in the
// from query parameter or only new messages when it is missing.
func (h handlers) streamLive(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	id = strings.Clone(id)
	from := store.StreamVersionEnd
	if raw := c.Query("from"); raw != "" {
		if from, err = strconv.Atoi(raw); err != nil {
			return invalid(fmt.Errorf("query from: %w", err))
		}
	}
	if err := store.ValidateStreamID(id); err != nil {
		return classify(err)
	}
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	c.Status(fiber.StatusOK).
		Context().
		SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			messages := make(chan store.Message)
			sub := h.store.SubscribeToStream(ctx, id, from,
				func(ctx context.Context, _ *subscription.Stream, m store.Message) error {
					select {
					case messages <- m:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})
			defer sub.Close()
			t := time.NewTicker(PingInterval)
			defer t.Stop()
			for {
				select {
				case <-sub.Done():
					return
				case now := <-t.C:
					fmt.Fprintf(w, ": ping %s\n\n", now.UTC().Format(time.RFC3339))
				case m := <-messages:
					b, err := json.Marshal(toMessage(m))
					if log.WithError(err).Error("encoding live message", "stream", id) {
						return
					}
					fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", m.StreamVersion, m.Type, b)
				}
				if err := w.Flush(); err != nil {
					log.WithError(err).Debug("live stream client went away", "stream", id)
					return
				}
			}
		}))
	return nil
}
