package httpadapter

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

// streamTaskEvents attaches an observer to a task started elsewhere, for
// example by a reconnecting client. Events published before the subscription
// are not replayed.
func (rt *Router) streamTaskEvents(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	taskID := strings.TrimSpace(r.PathValue("task_id"))
	channel, err := rt.control.ChannelName(principal, taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	sub, err := rt.subscriber.Subscribe(r.Context(), channel)
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrTemporary, "subscribe task channel", err))
		return
	}
	defer func() {
		_ = sub.Close()
	}()

	rt.relayEvents(w, r, sub, principal, taskID)
}

// relayEvents writes every channel payload as one SSE data frame until a
// terminal event arrives, the subscription closes or the client leaves. A
// ping is published on the channel every PingInterval to keep proxies from
// idling the connection out.
func (rt *Router) relayEvents(w http.ResponseWriter, r *http.Request, sub ports.Subscription, principal domain.Principal, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Description: "streaming unsupported"})
		return
	}

	if rt.metrics != nil {
		defer rt.metrics.StreamOpened()()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(rt.options.PingInterval)
	defer ticker.Stop()

	logger := rt.logger.With(zap.String("task_id", taskID))

	for {
		select {
		case <-ctx.Done():
			logger.Debug("event_stream_client_gone")
			return
		case <-ticker.C:
			if err := rt.control.Ping(ctx, principal, taskID); err != nil {
				logger.Warn("event_stream_ping_failed", zap.Error(err))
			}
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				logger.Debug("event_stream_write_failed", zap.Error(err))
				return
			}
			flusher.Flush()

			event, err := domain.DecodeEvent(payload)
			if err != nil {
				logger.Warn("task_event_undecodable", zap.Error(err))
				continue
			}
			if event.Terminal() {
				return
			}
		}
	}
}
