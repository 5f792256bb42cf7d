package notification

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
)

// FollowConfig configures a resilient SSE consumer of the notification stream.
type FollowConfig struct {
	URL         string
	Token       string
	LastEventID int64
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Client      *http.Client
	Logger      *zap.Logger
}

// Follow consumes the stream at cfg.URL and calls handle for each event, reconnecting
// with exponential backoff and resuming from the last delivered ID. It stops on ctx
// cancellation (returning ctx.Err()), on a rejected token (an unauthorized apperr), or
// when handle returns an error.
func Follow(ctx context.Context, cfg FollowConfig, handle func(Event) error) error {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	last := cfg.LastEventID
	backoff := cfg.MinBackoff
	for {
		delivered, err := followOnce(ctx, cfg, last, func(ev Event) error {
			if err := handle(ev); err != nil {
				return &handlerError{err: err}
			}
			last = ev.ID
			return nil
		})

		var herr *handlerError
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.As(err, &herr):
			return herr.err
		case apperr.KindOf(err) == apperr.KindUnauthorized:
			return err
		}
		if delivered {
			backoff = cfg.MinBackoff
		}

		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		cfg.Logger.Info("notification stream disconnected, retrying",
			zap.Error(err),
			zap.Int64("last_event_id", last),
			zap.Duration("retry_in", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

// followOnce runs one connection. delivered reports whether any event arrived.
func followOnce(ctx context.Context, cfg FollowConfig, lastID int64, emit func(Event) error) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, apperr.New(apperr.KindUnauthorized, "stream rejected the bearer token")
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return delivered, fmt.Errorf("decode stream event: %w", err)
			}
			data.Reset()
			if err := emit(ev); err != nil {
				return delivered, err
			}
			delivered = true
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("read stream: %w", err)
	}
	return delivered, errors.New("stream closed by server")
}
