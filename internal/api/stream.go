package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/metrics"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
)

// Close code sent on the websocket when the token is rejected. Clients must
// re-authenticate instead of reconnecting.
const wsCloseUnauthorized = 4401

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsMaxMessage = 4096
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // tokens, not cookies, authenticate the socket
	},
}

// StreamHandler serves the live notification stream over SSE and websockets.
type StreamHandler struct {
	streamer  *notification.Streamer
	verifier  *auth.Verifier
	heartbeat time.Duration
	metrics   *metrics.Metrics
}

func NewStreamHandler(streamer *notification.Streamer, verifier *auth.Verifier, heartbeat time.Duration, m *metrics.Metrics) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &StreamHandler{streamer: streamer, verifier: verifier, heartbeat: heartbeat, metrics: m}
}

// SSE streams events as text/event-stream. The caller is already authenticated; the
// token is not looked at again for the life of the stream. Resume with Last-Event-ID
// or ?since=.
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	since, err := resumeID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		loggerFrom(r).Warn("sse flush unsupported", zap.Error(err))
		return
	}

	done := h.metrics.StreamOpened("sse")
	defer done()

	caller := identity(r)
	err = h.streamer.Stream(r.Context(), notification.StreamOptions{
		RecipientID: caller.UserID,
		SinceID:     since,
		Heartbeat:   h.heartbeat,
		OnEvent: func(ev notification.Event) error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, payload); err != nil {
				return err
			}
			return rc.Flush()
		},
		OnHeartbeat: func() error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			return rc.Flush()
		},
	})
	logStreamEnd(r, "sse", err)
}

// WebSocket authenticates once during the handshake. A rejected token still upgrades
// and is closed with code 4401, since browsers cannot read the status of a failed
// handshake.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	caller, authErr := h.verifier.Verify(bearerToken(r, true))

	since, err := resumeID(r)
	if err != nil && authErr == nil {
		writeAppError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		loggerFrom(r).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if authErr != nil {
		msg := gorillawebsocket.FormatCloseMessage(wsCloseUnauthorized, apperr.Message(authErr))
		_ = conn.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		return
	}

	done := h.metrics.StreamOpened("websocket")
	defer done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read pump only handles control frames; any read error ends the stream.
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.streamer.Stream(ctx, notification.StreamOptions{
		RecipientID: caller.UserID,
		SinceID:     since,
		Heartbeat:   h.heartbeat,
		OnEvent: func(ev notification.Event) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(ev)
		},
		OnHeartbeat: func() error {
			return conn.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		},
	})

	code, reason := gorillawebsocket.CloseNormalClosure, ""
	if errors.Is(err, notification.ErrSubscriberLagged) {
		code, reason = gorillawebsocket.CloseTryAgainLater, "subscriber lagged, reconnect with since"
	}
	_ = conn.WriteControl(gorillawebsocket.CloseMessage,
		gorillawebsocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	logStreamEnd(r, "websocket", err)
}

// resumeID reads the last seen event id from Last-Event-ID or ?since=.
func resumeID(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, apperr.New(apperr.KindValidation, "last event id must be a non-negative integer")
	}
	return id, nil
}

func logStreamEnd(r *http.Request, transport string, err error) {
	log := loggerFrom(r).With(zap.String("transport", transport))
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug("notification stream closed")
	case errors.Is(err, notification.ErrSubscriberLagged):
		log.Warn("notification stream dropped a slow subscriber")
	default:
		log.Info("notification stream ended", zap.Error(err))
	}
}
