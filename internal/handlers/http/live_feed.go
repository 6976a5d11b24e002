package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const msgActiveStreams = "active_streams"

type LiveFeedConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

type liveFeedMessage struct {
	Type    string                  `json:"type"`
	Streams []*domain.StreamSession `json:"streams"`
}

// LiveFeed pushes the active stream list to websocket subscribers whenever
// it changes.
type LiveFeed struct {
	sessions ports.SessionService
	config   LiveFeedConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewLiveFeed(sessions ports.SessionService, config LiveFeedConfig, logger *zap.SugaredLogger) *LiveFeed {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	f := &LiveFeed{
		sessions: sessions,
		config:   config,
		logger:   logger,
	}
	f.upgrader = websocket.Upgrader{
		CheckOrigin:     f.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return f
}

func (f *LiveFeed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(f.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range f.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Serve upgrades the request and streams updates until the client goes away.
func (f *LiveFeed) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Latest list wins; a slow client skips intermediate snapshots.
	updates := make(chan []*domain.StreamSession, 1)
	publish := func(streams []*domain.StreamSession) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- streams:
		default:
		}
	}

	unsubscribe := f.sessions.OnActiveStreamsUpdate(publish)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(r.Context(), f.config.WriteTimeout)
	initial, err := f.sessions.GetActiveStreams(ctx)
	cancel()
	if err != nil {
		f.logger.Warnw("failed to load active streams for feed", "error", err)
	} else {
		publish(initial)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(f.config.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case streams := <-updates:
			if streams == nil {
				streams = []*domain.StreamSession{}
			}
			conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			if err := conn.WriteJSON(liveFeedMessage{Type: msgActiveStreams, Streams: streams}); err != nil {
				f.logger.Debugw("live feed write failed", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			return
		}
	}
}
