package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrymomot/foundation/core/handler"
	"github.com/dmitrymomot/foundation/core/response"
	"github.com/dmitrymomot/foundation/core/router"

	"github.com/dmitrymomot/pubsub/broker"
)

// TopicCreateRequest is the POST /topics/ body. RingSize is a pointer so an
// absent field (use the default) is distinguishable from an explicit zero
// (out of range).
type TopicCreateRequest struct {
	Name     string `json:"name"`
	RingSize *int   `json:"ring_size"`
}

// TopicCreateResponse is the 201 body for a created topic.
type TopicCreateResponse struct {
	Name     string `json:"name"`
	RingSize int    `json:"ring_size"`
}

// TopicListResponse wraps the per-topic snapshots of GET /topics/.
type TopicListResponse struct {
	Topics []broker.TopicInfo `json:"topics"`
}

// HealthResponse is the GET /health/ body.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
	Topics        int    `json:"topics"`
	Subscribers   int64  `json:"subscribers"`
}

// CreateTopic handles POST /topics/.
func CreateTopic(b *broker.Broker) handler.HandlerFunc[*router.Context] {
	return func(ctx *router.Context) handler.Response {
		var req TopicCreateRequest
		if err := json.NewDecoder(ctx.Request().Body).Decode(&req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage("invalid JSON body"))
		}

		ringSize := 0
		if req.RingSize != nil {
			ringSize = *req.RingSize
			// An explicit zero is out of range, not a request for the default.
			if ringSize <= 0 {
				return response.Error(response.ErrBadRequest.WithMessage(broker.ErrInvalidRingSize.Error()))
			}
		}

		t, err := b.CreateTopic(req.Name, ringSize)
		if err != nil {
			return brokerError(err)
		}
		return response.JSONWithStatus(TopicCreateResponse{
			Name:     t.Name(),
			RingSize: t.RingSize(),
		}, http.StatusCreated)
	}
}

// DeleteTopic handles DELETE /topics/{name}/.
func DeleteTopic(b *broker.Broker) handler.HandlerFunc[*router.Context] {
	return func(ctx *router.Context) handler.Response {
		if err := b.DeleteTopic(ctx.Param("name")); err != nil {
			return brokerError(err)
		}
		return response.NoContent()
	}
}

// ListTopics handles GET /topics/. Listing stays available during shutdown
// so operators can watch the drain.
func ListTopics(b *broker.Broker) handler.HandlerFunc[*router.Context] {
	return func(ctx *router.Context) handler.Response {
		return response.JSON(TopicListResponse{Topics: b.ListTopics()})
	}
}

// Health handles GET /health/.
func Health(b *broker.Broker, version string) handler.HandlerFunc[*router.Context] {
	return func(ctx *router.Context) handler.Response {
		status := "ok"
		if b.ShuttingDown() {
			status = "shutting_down"
		}
		stats := b.Stats()
		return response.JSON(HealthResponse{
			Status:        status,
			UptimeSeconds: int64(b.Uptime().Seconds()),
			Version:       version,
			Topics:        len(b.ListTopics()),
			Subscribers:   stats.ActiveSubscribers,
		})
	}
}

// Stats handles GET /stats/.
func Stats(b *broker.Broker) handler.HandlerFunc[*router.Context] {
	return func(ctx *router.Context) handler.Response {
		return response.JSON(b.Stats())
	}
}

// Shutdown handles POST /shutdown/: it starts the graceful drain in the
// background and returns 202 immediately. A repeat call conflicts.
func Shutdown(b *broker.Broker) handler.HandlerFunc[*router.Context] {
	return func(ctx *router.Context) handler.Response {
		if err := b.BeginShutdown(0); err != nil {
			return response.Error(response.ErrConflict.WithMessage("shutdown already initiated"))
		}
		return response.JSONWithStatus(map[string]string{
			"message": "graceful shutdown initiated",
		}, http.StatusAccepted)
	}
}

// brokerError maps broker sentinel errors onto HTTP error responses.
func brokerError(err error) handler.Response {
	switch {
	case errors.Is(err, broker.ErrTopicExists):
		return response.Error(response.ErrConflict.WithMessage(err.Error()))
	case errors.Is(err, broker.ErrTopicNotFound):
		return response.Error(response.ErrNotFound.WithMessage(err.Error()))
	case errors.Is(err, broker.ErrShuttingDown):
		return response.Error(response.ErrServiceUnavailable.WithMessage(err.Error()))
	case errors.Is(err, broker.ErrInvalidTopicName), errors.Is(err, broker.ErrInvalidRingSize):
		return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
	default:
		return response.Error(err)
	}
}
