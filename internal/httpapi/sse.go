package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/streamhub/streamhub/internal/streamactor"
)

// controlFrame is the JSON payload of every SSE "control" event.
type controlFrame struct {
	StreamNextOffset string `json:"streamNextOffset"`
	UpToDate         bool   `json:"upToDate"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// handleSSE streams a stream's tail as Server-Sent Events: one "data"
// event per batch of newly available messages, followed by a
// "control" event carrying the new offset and the up-to-date and
// closed flags, with periodic
// ping comments keeping idle connections alive.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, actor *streamactor.Actor, projectID, streamID string, offset streamactor.Offset, cursor string) error {
	meta, err := actor.Get(r.Context())
	if err != nil {
		return err
	}

	baseType := strings.ToLower(streamactor.ExtractMediaType(meta.ContentType))
	binary := !strings.HasPrefix(baseType, "text/") && baseType != "application/json"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if binary {
		w.Header().Set(HeaderStreamSSEEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	pingInterval := time.Duration(h.SSEPingInterval)
	pingTimer := time.NewTimer(pingInterval)
	defer pingTimer.Stop()

	current := offset
	sentInitialControl := false

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, _, err := h.readAt(ctx, actor, projectID, streamID, current)
		if err != nil {
			return err
		}

		curMeta, getErr := actor.Get(ctx)
		if getErr != nil {
			return nil
		}

		if len(messages) > 0 {
			if err := writeSSEData(w, messages, binary); err != nil {
				return nil
			}

			current = messages[len(messages)-1].Offset
			upToDate := current.Equal(curMeta.CurrentOffset)

			frame := controlFrame{
				StreamNextOffset: current.String(),
				UpToDate:         upToDate,
				StreamClosed:     curMeta.Closed && upToDate,
			}
			if err := writeSSEControl(w, frame); err != nil {
				return nil
			}
			flusher.Flush()
			sentInitialControl = true

			if frame.StreamClosed {
				return nil
			}
			pingTimer.Reset(pingInterval)
		} else if !sentInitialControl {
			frame := controlFrame{
				StreamNextOffset: curMeta.CurrentOffset.String(),
				UpToDate:         true,
				StreamClosed:     curMeta.Closed,
			}
			if err := writeSSEControl(w, frame); err != nil {
				return nil
			}
			flusher.Flush()
			sentInitialControl = true

			if frame.StreamClosed {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-pingTimer.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
			pingTimer.Reset(pingInterval)
		default:
			waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			actor.WaitForMessages(waitCtx, current, 200*time.Millisecond)
			cancel()
		}
	}
}

func writeSSEData(w http.ResponseWriter, messages []streamactor.Message, binary bool) error {
	if _, err := fmt.Fprint(w, "event: data\n"); err != nil {
		return err
	}
	for _, msg := range messages {
		payload := string(msg.Data)
		if binary {
			payload = base64.StdEncoding.EncodeToString(msg.Data)
		}
		for _, line := range strings.Split(payload, "\n") {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func writeSSEControl(w http.ResponseWriter, frame controlFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: control\ndata: %s\n\n", body)
	return err
}
