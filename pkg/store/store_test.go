package store

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescription() SwapDescription {
	return SwapDescription{
		ToChainID:    "5",
		ToInterface:  common.HexToAddress("0x00000000000000000000000000000000000000AA"),
		UnderwriteID: common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000BB"),
	}
}

func TestStoreRawRoundTrip(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	defer s.Close()

	require.NoError(t, s.Set("some:key", []byte("value")))
	got, err := s.Get("some:key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	require.NoError(t, s.Del("some:key"))
	_, err = s.Get("some:key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreSwapState(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	defer s.Close()

	state, err := s.GetSwapStateByExpectedUnderwrite(testDescription())
	require.NoError(t, err)
	assert.Nil(t, state, "unknown swap must resolve to nil without error")

	saved := &SwapState{
		SwapDescription:        testDescription(),
		FromChainID:            "1",
		ToVault:                common.HexToAddress("0x01"),
		ToAccount:              common.HexToAddress("0x02"),
		ToAsset:                common.HexToAddress("0x03"),
		Units:                  uint256.NewInt(1e18),
		FromAmount:             uint256.NewInt(2e18),
		Fee:                    uint256.NewInt(1e15),
		MinOut:                 uint256.NewInt(0),
		UnderwriteIncentiveX16: 65,
		BlockNumber:            100,
		BlockTimestamp:         1700000000,
	}
	require.NoError(t, s.SaveSwapState(saved))

	state, err = s.GetSwapStateByExpectedUnderwrite(testDescription())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, saved.Units, state.Units)
	assert.Equal(t, saved.UnderwriteIncentiveX16, state.UnderwriteIncentiveX16)
	assert.Equal(t, saved.ToAccount, state.ToAccount)
}

func TestStoreUnderwriteStateRoundTrip(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	defer s.Close()

	require.NoError(t, s.SaveUnderwriteState(&UnderwriteState{
		SwapDescription: testDescription(),
		Status:          UnderwriteStatusUnderwritten,
		Expiry:          1000,
	}))

	d := testDescription()
	state, err := s.GetActiveUnderwriteState(d)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, UnderwriteStatusUnderwritten, state.Status)

	require.NoError(t, s.DelUnderwriteState(d))
	state, err = s.GetActiveUnderwriteState(d)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStorePubSub(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	defer s.Close()

	sub := s.Subscribe(ChannelSendAsset)
	other := s.Subscribe(ChannelSwapUnderwritten)

	require.NoError(t, s.PublishJSON(ChannelSendAsset, map[string]string{"hello": "world"}))

	select {
	case payload := <-sub:
		assert.JSONEq(t, `{"hello":"world"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("no payload received")
	}
	select {
	case <-other:
		t.Fatal("payload leaked to an unrelated channel")
	default:
	}
}

func TestStorePublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	defer s.Close()

	s.Subscribe(ChannelSendAsset) // never drained
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			s.Publish(ChannelSendAsset, []byte("x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
}
