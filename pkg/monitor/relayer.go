package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Message limit for the receiving side.
	wsReadLimit = 1024 * 1024

	// Disconnection timeout.
	wsPongLimit = 60 * time.Second

	// Ping period for connection liveness check.
	wsPingPeriod = wsPongLimit / 2

	// Write deadline.
	wsWriteLimit = wsPingPeriod / 2

	monitorEvent = "monitor"
)

var relayerHashRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// relayerMessage is the envelope the relayer pushes over the websocket.
type relayerMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// relayerBlockData is the payload of a "monitor" event.
type relayerBlockData struct {
	ChainID     string `json:"chainId"`
	BlockNumber int64  `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
	Timestamp   int64  `json:"timestamp"`
}

func (d relayerBlockData) validate() error {
	if d.ChainID == "" {
		return fmt.Errorf("empty chainId")
	}
	if d.BlockNumber <= 0 {
		return fmt.Errorf("non-positive blockNumber %d", d.BlockNumber)
	}
	if !relayerHashRegexp.MatchString(d.BlockHash) {
		return fmt.Errorf("malformed blockHash %q", d.BlockHash)
	}
	if d.Timestamp <= 0 {
		return fmt.Errorf("non-positive timestamp %d", d.Timestamp)
	}
	return nil
}

// RelayerSource subscribes to the relayer websocket pushing block statuses
// for every chain the relayer watches, filtered down to one chain id. On
// connection loss it reconnects after retryInterval.
type RelayerSource struct {
	endpoint      string
	chainID       string
	retryInterval time.Duration
	log           *zap.Logger
}

// NewRelayerSource creates a relayer-fed block source for one chain.
func NewRelayerSource(endpoint, chainID string, retryInterval time.Duration, log *zap.Logger) *RelayerSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayerSource{
		endpoint:      endpoint,
		chainID:       chainID,
		retryInterval: retryInterval,
		log:           log,
	}
}

// RelayerEndpoint builds the websocket endpoint from the RELAYER_HOST and
// RELAYER_PORT pair.
func RelayerEndpoint(host, port string) string {
	return fmt.Sprintf("ws://%s:%s", host, port)
}

// Run implements the Source interface.
func (r *RelayerSource) Run(ctx context.Context, out chan<- BlockStatus) {
	for {
		if err := r.connectAndListen(ctx, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("relayer connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("retryInterval", r.retryInterval))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryInterval):
		}
	}
}

func (r *RelayerSource) connectAndListen(ctx context.Context, out chan<- BlockStatus) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, r.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relayer: %w", err)
	}
	defer ws.Close()

	// The subscription greeting is sent once per connection.
	ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
	if err := ws.WriteJSON(relayerMessage{Event: monitorEvent}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	// The reader owns the connection; the ping loop and the context watcher
	// terminate it by closing ws.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		pingTicker := time.NewTicker(wsPingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				ws.Close()
				return
			case <-stop:
				return
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
				if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	ws.SetReadLimit(wsReadLimit)
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(wsPongLimit)); return nil })
	for {
		var msg relayerMessage
		ws.SetReadDeadline(time.Now().Add(wsPongLimit))
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Event != monitorEvent {
			r.log.Info("ignoring unknown relayer event", zap.String("event", msg.Event))
			continue
		}
		var data relayerBlockData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			r.log.Warn("malformed relayer monitor payload", zap.Error(err))
			continue
		}
		if err := data.validate(); err != nil {
			r.log.Warn("invalid relayer monitor payload", zap.Error(err))
			continue
		}
		if data.ChainID != r.chainID {
			continue
		}
		select {
		case out <- BlockStatus{
			BlockNumber: uint64(data.BlockNumber),
			BlockHash:   common.HexToHash(data.BlockHash),
			Timestamp:   uint64(data.Timestamp),
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
