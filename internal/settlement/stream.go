package settlement

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"

	"github.com/ksred/klear-negotiation/internal/hub"
	"github.com/ksred/klear-negotiation/pkg/response"
)

// stream adapts one connection to a hub subscription. It remembers the
// newest revision sent per settlement so the snapshot and live events merge
// without going backwards.
type stream struct {
	sub    *hub.Subscription[Event]
	sent   map[string]uint64
	logger zerolog.Logger
}

// openStream subscribes before reading the snapshot so no commit between the
// two is lost
func (h *GinHandlers) openStream(ctx context.Context, topic string) (*stream, []Event, error) {
	sub := h.hub.Subscribe(topic)

	var snapshot []Settlement
	if topic == GeneralTopic {
		settlements, err := h.service.List(ctx)
		if err != nil {
			sub.Close()
			return nil, nil, err
		}
		SortForDisplay(settlements)
		snapshot = settlements
	} else {
		settlement, err := h.service.Get(ctx, topic)
		if err != nil {
			sub.Close()
			return nil, nil, err
		}
		snapshot = []Settlement{*settlement}
	}

	st := &stream{
		sub:    sub,
		sent:   make(map[string]uint64, len(snapshot)),
		logger: log.With().Str("component", "stream").Str("topic", topic).Str("subscription_id", sub.ID()).Logger(),
	}
	events := make([]Event, 0, len(snapshot))
	for i := range snapshot {
		event := NewEvent(EventSnapshot, &snapshot[i])
		st.sent[event.SettlementID] = event.LastSeen
		events = append(events, event)
	}
	return st, events, nil
}

// next returns the next live event newer than anything already sent
func (st *stream) next(ctx context.Context) (Event, error) {
	for {
		event, err := st.sub.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		if last, ok := st.sent[event.SettlementID]; ok && event.LastSeen <= last {
			continue
		}
		st.sent[event.SettlementID] = event.LastSeen
		return event, nil
	}
}

func (st *stream) close() {
	st.sub.Close()
}

func streamTopic(c *gin.Context, topic string) string {
	if topic != "" {
		return topic
	}
	return c.Param("id")
}

// EventStreamHandler serves a topic as Server-Sent Events. topic "" means the
// settlement named by the :id path parameter.
func (h *GinHandlers) EventStreamHandler(topic string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		st, snapshot, err := h.openStream(ctx, streamTopic(c, topic))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		defer st.close()

		st.logger.Debug().Msg("event stream connected")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")

		pending := snapshot
		c.Stream(func(w io.Writer) bool {
			if len(pending) > 0 {
				for _, event := range pending {
					c.SSEvent("settlement", event)
				}
				pending = nil
				return true
			}
			event, err := st.next(ctx)
			if err != nil {
				return false
			}
			c.SSEvent("settlement", event)
			return true
		})
		st.logger.Debug().Msg("event stream disconnected")
	}
}

// WebSocketHandler serves a topic over a WebSocket; each message is one JSON
// encoded Event. Anything the client sends is ignored, but a read error ends
// the subscription.
func (h *GinHandlers) WebSocketHandler(topic string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := streamTopic(c, topic)
		if name != GeneralTopic {
			if _, err := h.service.Get(c.Request.Context(), name); err != nil {
				response.Handle(c, nil, err)
				return
			}
		}

		server := websocket.Server{
			// Any origin may listen.
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler: func(ws *websocket.Conn) {
				h.serveWebSocket(ws, name)
			},
		}
		server.ServeHTTP(c.Writer, c.Request)
	}
}

func (h *GinHandlers) serveWebSocket(ws *websocket.Conn, topic string) {
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, snapshot, err := h.openStream(ctx, topic)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to open websocket stream")
		return
	}
	defer st.close()

	go func() {
		defer cancel()
		for {
			var message string
			if err := websocket.Message.Receive(ws, &message); err != nil {
				return
			}
		}
	}()

	st.logger.Info().Msg("websocket connected")
	defer st.logger.Info().Msg("websocket disconnected")

	for _, event := range snapshot {
		if err := websocket.JSON.Send(ws, event); err != nil {
			return
		}
	}
	for {
		event, err := st.next(ctx)
		if err != nil {
			return
		}
		if err := websocket.JSON.Send(ws, event); err != nil {
			st.logger.Debug().Err(err).Msg("dropping websocket subscriber")
			return
		}
	}
}
