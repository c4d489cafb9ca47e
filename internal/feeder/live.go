package feeder

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/microflow/internal/align"
	"github.com/tradecore/microflow/internal/model"
)

// LiveSource subscribes to a feature-row websocket feed and yields
// normalized rows. Reconnects with backoff until the context ends.
type LiveSource struct {
	url         string
	symbols     []string
	dialTimeout time.Duration
}

// NewLiveSource points a source at a feature feed endpoint.
func NewLiveSource(url string, symbols []string) *LiveSource {
	return &LiveSource{url: url, symbols: symbols, dialTimeout: 10 * time.Second}
}

type subscribeMsg struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// Run streams rows into out until ctx is cancelled. out is closed on
// return.
func (s *LiveSource) Run(ctx context.Context, out chan<- model.FeatureRow) error {
	defer close(out)

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.readConn(ctx, out)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("backoff", backoff).Str("url", s.url).Msg("feature feed dropped, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *LiveSource) readConn(ctx context.Context, out chan<- model.FeatureRow) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial feature feed: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Channel: "features.1s", Symbols: s.symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Unblock ReadMessage when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feature feed: %w", err)
		}
		row, err := align.NormalizeRecord(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropping corrupt live row")
			continue
		}
		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
