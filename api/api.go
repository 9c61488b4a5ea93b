// Package api exposes a stream store over JSON HTTP endpoints, with live feeds over websocket
// for the global log and server sent events for single streams.
package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/webserver"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

type handlers struct {
	store *streamstore.Store
}

// Register mounts the endpoints on r.
func Register(r fiber.Router, s *streamstore.Store) {
	h := handlers{store: s}
	r.Get("/streams", h.listStreams)
	r.Post("/streams/:id", h.appendToStream)
	r.Get("/streams/:id", h.readStream)
	r.Delete("/streams/:id", h.deleteStream)
	r.Delete("/streams/:id/messages/:messageId", h.deleteMessage)
	r.Get("/streams/:id/metadata", h.getMetadata)
	r.Post("/streams/:id/metadata", h.setMetadata)
	r.Post("/streams/:id/scavenge", h.scavenge)
	r.Get("/streams/:id/live", h.streamLive)
	r.Get("/all", h.readAll)
	r.Get("/all/head", h.readHead)
	r.Use("/all/live", upgradeOnly)
	r.Get("/all/live", h.allLive())
}

func streamID(c *fiber.Ctx) (string, error) {
	id, err := url.PathUnescape(c.Params("id"))
	if err != nil {
		return "", invalid(fmt.Errorf("%w: %v", store.ErrInvalidStreamID, err))
	}
	return id, nil
}

func pageSize(c *fiber.Ctx) (int, error) {
	n := c.QueryInt("count", DefaultPageSize)
	if n <= 0 || n > MaxPageSize {
		return 0, invalid(fmt.Errorf("%w: count must be between 1 and %d", store.ErrInvalidMaxCount, MaxPageSize))
	}
	return n, nil
}

func backwards(c *fiber.Ctx) (bool, error) {
	switch c.Query("direction", "forwards") {
	case "forwards":
		return false, nil
	case "backwards":
		return true, nil
	}
	return false, invalid(fmt.Errorf("direction must be forwards or backwards, got %q", c.Query("direction")))
}

func queryInt64(c *fiber.Ctx, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, invalid(fmt.Errorf("query %s: %w", key, err))
	}
	return v, nil
}

func (h handlers) appendToStream(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	req, err := webserver.UnmarshalBody[appendRequest](c)
	if err != nil {
		return err
	}
	messages := make([]store.NewMessage, len(req.Messages))
	for i, m := range req.Messages {
		if m.MessageID.IsNil() {
			m.MessageID = uuid.Must(uuid.NewV7())
		}
		messages[i] = store.NewMessage(m)
	}
	res, err := h.store.AppendToStream(c.UserContext(), id, expected(req.ExpectedVersion), messages...)
	if err != nil {
		return classify(err)
	}
	return c.Status(http.StatusCreated).JSON(appendResult(res))
}

func (h handlers) readStream(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	n, err := pageSize(c)
	if err != nil {
		return err
	}
	back, err := backwards(c)
	if err != nil {
		return err
	}
	def := int64(store.StreamVersionStart)
	if back {
		def = store.StreamVersionEnd
	}
	from, err := queryInt64(c, "from", def)
	if err != nil {
		return err
	}
	prefetch := c.QueryBool("prefetch", true)
	var page store.StreamPage
	if back {
		page, err = h.store.ReadStreamBackwards(c.UserContext(), id, int(from), n, prefetch)
	} else {
		page, err = h.store.ReadStreamForwards(c.UserContext(), id, int(from), n, prefetch)
	}
	if err != nil {
		return classify(err)
	}
	if page.Status != store.StatusSuccess {
		c.Status(http.StatusNotFound)
	}
	return c.JSON(streamPage{
		StreamID:     page.StreamID,
		Status:       page.Status.String(),
		FromVersion:  page.FromVersion,
		NextVersion:  page.NextVersion,
		LastVersion:  page.LastVersion,
		LastPosition: page.LastPosition,
		Direction:    page.Direction.String(),
		IsEnd:        page.IsEnd,
		Messages:     toMessages(page.Messages),
	})
}

func (h handlers) readAll(c *fiber.Ctx) error {
	n, err := pageSize(c)
	if err != nil {
		return err
	}
	back, err := backwards(c)
	if err != nil {
		return err
	}
	def := store.PositionStart
	if back {
		def = store.PositionEnd
	}
	from, err := queryInt64(c, "from", def)
	if err != nil {
		return err
	}
	prefetch := c.QueryBool("prefetch", true)
	var page store.AllStreamsPage
	if back {
		page, err = h.store.ReadAllBackwards(c.UserContext(), from, n, prefetch)
	} else {
		page, err = h.store.ReadAllForwards(c.UserContext(), from, n, prefetch)
	}
	if err != nil {
		return classify(err)
	}
	return c.JSON(allPage{
		FromPosition: page.FromPosition,
		NextPosition: page.NextPosition,
		Direction:    page.Direction.String(),
		IsEnd:        page.IsEnd,
		Messages:     toMessages(page.Messages),
	})
}

func (h handlers) readHead(c *fiber.Ctx) error {
	position, err := h.store.ReadHeadPosition(c.UserContext())
	if err != nil {
		return classify(err)
	}
	return c.JSON(head{Position: position})
}

func (h handlers) deleteStream(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	v := store.Any
	if raw := c.Query("expectedVersion"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return invalid(fmt.Errorf("%w: %v", store.ErrInvalidExpected, err))
		}
		v = store.ExpectedVersion(n)
	}
	if err := h.store.DeleteStream(c.UserContext(), id, v); err != nil {
		return classify(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h handlers) deleteMessage(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	messageID, err := uuid.FromString(c.Params("messageId"))
	if err != nil {
		return invalid(fmt.Errorf("%w: %v", store.ErrInvalidMessage, err))
	}
	if err := h.store.DeleteMessage(c.UserContext(), id, messageID); err != nil {
		return classify(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h handlers) getMetadata(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	m, err := h.store.GetStreamMetadata(c.UserContext(), id)
	if err != nil {
		return classify(err)
	}
	return c.JSON(metadata(m))
}

func (h handlers) setMetadata(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	req, err := webserver.UnmarshalBody[metadataRequest](c)
	if err != nil {
		return err
	}
	res, err := h.store.SetStreamMetadata(c.UserContext(), id, expected(req.ExpectedVersion), streamstore.MetadataOptions{
		MaxAge:       req.MaxAge,
		MaxCount:     req.MaxCount,
		MetadataJSON: req.MetadataJSON,
	})
	if err != nil {
		return classify(err)
	}
	return c.JSON(appendResult(res))
}

func (h handlers) scavenge(c *fiber.Ctx) error {
	id, err := streamID(c)
	if err != nil {
		return err
	}
	n, err := h.store.Scavenge(c.UserContext(), id)
	if err != nil {
		return classify(err)
	}
	log.Info("scavenged on request", "stream", id, "deleted", n)
	return c.JSON(scavenged{Deleted: n})
}

func (h handlers) listStreams(c *fiber.Ctx) error {
	n, err := pageSize(c)
	if err != nil {
		return err
	}
	pattern := store.MatchAny()
	switch {
	case c.Query("startsWith") != "":
		pattern = store.StartsWith(c.Query("startsWith"))
	case c.Query("endsWith") != "":
		pattern = store.EndsWith(c.Query("endsWith"))
	}
	page, err := h.store.ListStreams(c.UserContext(), pattern, n, c.Query("token"))
	if err != nil {
		return classify(err)
	}
	if page.StreamIDs == nil {
		page.StreamIDs = []string{}
	}
	return c.JSON(streamList(page))
}
