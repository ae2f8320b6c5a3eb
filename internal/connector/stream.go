package connector

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ExecutionHandler receives the venue order id of every execution report seen
// on the user-data stream. The order manager uses it to sync the order
// immediately instead of waiting for the next sweep.
type ExecutionHandler func(ctx context.Context, venueOrderID string)

// StreamConfig configures the websocket user-data stream.
type StreamConfig struct {
	Venue     string
	WSBaseURL string // e.g. wss://stream.example.com
	Keepalive time.Duration
}

// UserStream maintains a listen-key based user-data websocket and dispatches
// execution reports. It reconnects with exponential backoff until the context
// is canceled.
type UserStream struct {
	cfg     StreamConfig
	rest    *Live
	handler ExecutionHandler
}

func NewUserStream(cfg StreamConfig, rest *Live, handler ExecutionHandler) *UserStream {
	if cfg.Keepalive == 0 {
		cfg.Keepalive = 30 * time.Minute
	}
	return &UserStream{cfg: cfg, rest: rest, handler: handler}
}

// Run blocks until ctx is canceled, reconnecting on any failure.
func (s *UserStream) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		if err := s.runOnce(ctx); err != nil {
			log.Printf("user stream %s: %v", s.cfg.Venue, err)
		}
		if ctx.Err() != nil {
			return
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			bo.Reset()
			sleep = bo.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (s *UserStream) runOnce(ctx context.Context) error {
	key, err := s.createListenKey(ctx)
	if err != nil {
		return wrapErr(s.cfg.Venue, "listen key", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSBaseURL+"/ws/"+key, nil)
	if err != nil {
		return wrapErr(s.cfg.Venue, "dial", err)
	}
	defer conn.Close()

	log.Printf("user stream %s: connected", s.cfg.Venue)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepaliveLoop(streamCtx, key)
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return wrapErr(s.cfg.Venue, "read", err)
		}
		s.dispatch(ctx, msg)
	}
}

// executionReport carries the subset of the event we need.
type executionReport struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	OrderID   int64  `json:"i"`
}

func (s *UserStream) dispatch(ctx context.Context, msg []byte) {
	var ev executionReport
	if err := json.Unmarshal(msg, &ev); err != nil {
		return
	}
	if ev.EventType != "executionReport" || ev.OrderID == 0 {
		return
	}
	if s.handler != nil {
		s.handler(ctx, joinVenueID(ev.Symbol, ev.OrderID))
	}
}

func (s *UserStream) keepaliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(s.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keepalive(ctx, key); err != nil {
				log.Printf("user stream %s: keepalive: %v", s.cfg.Venue, err)
			}
		}
	}
}

// Listen-key endpoints require only the API key header, not a signature.
func (s *UserStream) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rest.cfg.BaseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", s.rest.apiKey)
	body, err := s.rest.do(req)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", wrapErr(s.cfg.Venue, "listen key", errEmptyListenKey)
	}
	return out.ListenKey, nil
}

func (s *UserStream) keepalive(ctx context.Context, key string) error {
	endpoint := s.rest.cfg.BaseURL + "/api/v3/userDataStream?listenKey=" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", s.rest.apiKey)
	_, err = s.rest.do(req)
	return err
}

var errEmptyListenKey = errors.New("empty listen key")
