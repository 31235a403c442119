// Package store is a thin facade over a key/value backend with pub/sub. It
// is shared between the underwriter core and the (external) event listener:
// the listener writes chain events and swap state in, the pipelines subscribe
// to the resulting notifications.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Pub/sub channels used by the underwriter core. The listener publishes, the
// pipelines subscribe.
const (
	ChannelSendAsset              = "onSendAsset"
	ChannelSwapUnderwritten       = "onSwapUnderwritten"
	ChannelSwapUnderwriteComplete = "onSwapUnderwriteComplete"
	ChannelExpireUnderwrite       = "onExpireUnderwrite"
)

// Key namespace prefixes per entity kind.
const (
	prefixSwap       = "underwriter:swap"
	prefixUnderwrite = "underwriter:underwrite"
)

// subscriberBuffer is the channel capacity handed out by Subscribe. A slow
// subscriber loses messages rather than blocking the publisher.
const subscriberBuffer = 64

// Store combines the KV backend with an in-process pub/sub bus.
type Store struct {
	backend Backend
	log     *zap.Logger

	subMtx sync.RWMutex
	subs   map[string][]chan []byte
}

// New creates a Store on top of the given backend.
func New(backend Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		backend: backend,
		log:     log,
		subs:    make(map[string][]chan []byte),
	}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Set stores a raw value.
func (s *Store) Set(key string, value []byte) error {
	return s.backend.Put([]byte(key), value)
}

// Get reads a raw value. ErrKeyNotFound is returned for missing keys.
func (s *Store) Get(key string) ([]byte, error) {
	return s.backend.Get([]byte(key))
}

// Del removes a key.
func (s *Store) Del(key string) error {
	return s.backend.Delete([]byte(key))
}

// Subscribe returns a channel receiving every payload published on the named
// pub/sub channel from now on. The channel is buffered; payloads published
// while the buffer is full are dropped with a warning.
func (s *Store) Subscribe(channel string) <-chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	s.subMtx.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMtx.Unlock()
	return ch
}

// Publish broadcasts a payload to every subscriber of the named channel.
// Delivery is best-effort and at most once: Publish never blocks, so a
// subscriber whose buffer is full misses the payload. The persisted swap
// and underwrite records remain the source of truth, events only announce
// that something changed.
func (s *Store) Publish(channel string, payload []byte) {
	s.subMtx.RLock()
	defer s.subMtx.RUnlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
			s.log.Warn("dropping pub/sub payload, subscriber lagging",
				zap.String("channel", channel))
		}
	}
}

// PublishJSON marshals the payload and broadcasts it.
func (s *Store) PublishJSON(channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", channel, err)
	}
	s.Publish(channel, data)
	return nil
}

// swapKey builds the lowercase storage key for one swap.
func swapKey(prefix string, d SwapDescription) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s",
		prefix, d.ToChainID, d.ToInterface.Hex(), d.UnderwriteID.Hex()))
}

// SaveSwapState stores the swap state under its expected underwrite id.
func (s *Store) SaveSwapState(state *SwapState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal swap state: %w", err)
	}
	return s.Set(swapKey(prefixSwap, state.SwapDescription), data)
}

// GetSwapStateByExpectedUnderwrite looks up the swap committed to the given
// underwrite id. A nil state without error means the swap is unknown.
func (s *Store) GetSwapStateByExpectedUnderwrite(d SwapDescription) (*SwapState, error) {
	data, err := s.Get(swapKey(prefixSwap, d))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := new(SwapState)
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal swap state: %w", err)
	}
	return state, nil
}

// SaveUnderwriteState stores the mutable underwrite state.
func (s *Store) SaveUnderwriteState(state *UnderwriteState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal underwrite state: %w", err)
	}
	return s.Set(swapKey(prefixUnderwrite, state.SwapDescription), data)
}

// GetActiveUnderwriteState returns the underwrite state for the given key, or
// nil without error when no underwrite has been recorded.
func (s *Store) GetActiveUnderwriteState(d SwapDescription) (*UnderwriteState, error) {
	data, err := s.Get(swapKey(prefixUnderwrite, d))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := new(UnderwriteState)
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal underwrite state: %w", err)
	}
	return state, nil
}

// DelUnderwriteState removes the underwrite state for the given key.
func (s *Store) DelUnderwriteState(d SwapDescription) error {
	return s.Del(swapKey(prefixUnderwrite, d))
}
