package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

const (
	responseModeStreaming = "streaming"
	responseModeBlocking  = "blocking"
)

type createMessageRequest struct {
	Inputs         map[string]any         `json:"inputs"`
	Query          string                 `json:"query"`
	ConversationID string                 `json:"conversation_id"`
	ResponseMode   string                 `json:"response_mode"`
	ModelConfig    *domain.AppModelConfig `json:"model_config"`
}

type blockingMessageResponse struct {
	TaskID         string         `json:"task_id"`
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Mode           domain.AppMode `json:"mode"`
	Answer         string         `json:"answer"`
	CreatedAt      int64          `json:"created_at"`
}

func newTaskID() string {
	return uuid.NewString()
}

func (rt *Router) createMessage(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := decodeCreateMessage(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	streaming := req.ResponseMode != responseModeBlocking
	job := domain.GenerationJob{
		TaskID:         rt.newTaskID(),
		AppID:          r.PathValue("app_id"),
		Principal:      principal,
		Inputs:         req.Inputs,
		Query:          req.Query,
		ConversationID: req.ConversationID,
		Streaming:      streaming,
		CreatedAt:      rt.now().UTC(),
		ModelConfig:    req.ModelConfig,
	}

	channel, err := rt.control.ChannelName(principal, job.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}

	// The subscription must exist before the job starts publishing.
	sub, err := rt.subscriber.Subscribe(r.Context(), channel)
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrTemporary, "subscribe task channel", err))
		return
	}
	defer func() {
		_ = sub.Close()
	}()

	if err := rt.dispatcher.Dispatch(r.Context(), job); err != nil {
		rt.logger.Error("task_dispatch_failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("task_id", job.TaskID),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}

	if streaming {
		rt.relayEvents(w, r, sub, principal, job.TaskID)
		return
	}
	rt.collectBlocking(w, r, sub, principal, job)
}

func decodeCreateMessage(w http.ResponseWriter, r *http.Request) (createMessageRequest, error) {
	var req createMessageRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		return req, domain.WrapError(domain.ErrInvalidInput, "decode message request", err)
	}

	req.ResponseMode = strings.ToLower(strings.TrimSpace(req.ResponseMode))
	switch req.ResponseMode {
	case "":
		req.ResponseMode = responseModeStreaming
	case responseModeStreaming, responseModeBlocking:
	default:
		return req, domain.WrapError(domain.ErrInvalidInput, "decode message request",
			fmt.Errorf("unsupported response_mode %q", req.ResponseMode))
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, domain.WrapError(domain.ErrInvalidInput, "decode message request", errors.New("query is required"))
	}
	return req, nil
}

// collectBlocking drains the task channel until a terminal event and answers
// with the concatenated message text, trimmed like the stored answer.
func (rt *Router) collectBlocking(w http.ResponseWriter, r *http.Request, sub ports.Subscription, principal domain.Principal, job domain.GenerationJob) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.options.BlockingTimeout)
	defer cancel()

	response := blockingMessageResponse{
		TaskID:         job.TaskID,
		ConversationID: job.ConversationID,
		CreatedAt:      job.CreatedAt.Unix(),
	}
	var answer strings.Builder

	for {
		select {
		case <-ctx.Done():
			rt.stopAbandoned(principal, job.TaskID)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "timeout", Description: "generation did not finish in time"})
			}
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				writeError(w, domain.WrapError(domain.ErrTemporary, "collect task events", errors.New("subscription closed")))
				return
			}
			event, err := domain.DecodeEvent(payload)
			if err != nil {
				rt.logger.Warn("task_event_undecodable", zap.String("task_id", job.TaskID), zap.Error(err))
				continue
			}
			switch {
			case event.IsError():
				writeJSON(w, mapErrorNameToHTTPStatus(event.Error), errorResponse{Error: event.Error, Description: event.Description})
				return
			case event.Kind == domain.EventEnd:
				response.Answer = strings.TrimSpace(answer.String())
				writeJSON(w, http.StatusOK, response)
				return
			case event.Kind == domain.EventMessage:
				var data domain.MessageEventData
				if err := json.Unmarshal(event.Data, &data); err != nil {
					rt.logger.Warn("task_event_undecodable", zap.String("task_id", job.TaskID), zap.Error(err))
					continue
				}
				answer.WriteString(data.Text)
				response.MessageID = data.MessageID
				response.ConversationID = data.ConversationID
				response.Mode = data.Mode
			}
		}
	}
}

// stopAbandoned requests a stop for a task whose client went away. The
// request context is already done, so a detached one is used.
func (rt *Router) stopAbandoned(principal domain.Principal, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.control.RequestStop(ctx, principal, taskID); err != nil {
		rt.logger.Warn("abandoned_task_stop_failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (rt *Router) stopTask(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	taskID := strings.TrimSpace(r.PathValue("task_id"))
	if taskID == "" {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "stop task", errors.New("task_id is required")))
		return
	}

	if err := rt.control.RequestStop(r.Context(), principal, taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "success"})
}
