package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/foundation/core/handler"
	"github.com/dmitrymomot/foundation/core/response"
	"github.com/dmitrymomot/foundation/core/router"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/pubsub/broker"
	"github.com/dmitrymomot/pubsub/ws"
)

// Stream handles GET /ws: it upgrades the connection and hands it to the
// session protocol machine. Admission is checked against the same allow-list
// as the REST surface, but a miss is reported as a transport close with code
// 4401 and no frames, since a WebSocket client never sees an HTTP status
// once the upgrade succeeded.
func Stream(b *broker.Broker, keys []string, log *slog.Logger) handler.HandlerFunc[*router.Context] {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}

	return func(ctx *router.Context) handler.Response {
		_, authorized := allowed[APIKey(ctx.Request())]

		return response.WebSocket(func(connCtx context.Context, conn *websocket.Conn) error {
			if !authorized {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ws.CloseInvalidAPIKey, "invalid or missing API key"),
					deadline)
				return nil
			}

			sess := ws.NewSession(conn, b, ws.WithLogger(log))
			return sess.Run(connCtx)
		}, response.WithWSAllowAnyOrigin())
	}
}
