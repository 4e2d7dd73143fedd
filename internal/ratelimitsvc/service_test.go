package ratelimitsvc

import (
	"context"
	"testing"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/admission"
	"hivemind/internal/clock"
	"hivemind/internal/counter"
	"hivemind/internal/rules"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	store, err := rules.NewStore(map[string][]rules.Def{
		"test": {
			{Key: "api_key", HasLimit: true, Unit: "second", RateLimit: 2},
		},
	})
	require.NoError(t, err)

	eng := admission.New(store, clock.New(), counter.NewStore("n1"), zerolog.Nop())
	return New(eng, zerolog.Nop())
}

func descriptor(key, value string) *ratelimitv3.RateLimitDescriptor {
	return &ratelimitv3.RateLimitDescriptor{
		Entries: []*ratelimitv3.RateLimitDescriptor_Entry{{Key: key, Value: value}},
	}
}

func TestShouldRateLimitAdmitsThenDenies(t *testing.T) {
	s := newServer(t)
	req := &rlsv3.RateLimitRequest{
		Domain:      "test",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{descriptor("api_key", "anything")},
		HitsAddend:  1,
	}

	resp, err := s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, rlsv3.RateLimitResponse_OK, resp.OverallCode)

	resp, err = s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, rlsv3.RateLimitResponse_OK, resp.OverallCode)

	resp, err = s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, rlsv3.RateLimitResponse_OVER_LIMIT, resp.OverallCode)
	require.Len(t, resp.Statuses, 1)
	assert.Equal(t, rlsv3.RateLimitResponse_RateLimit_SECOND, resp.Statuses[0].CurrentLimit.Unit)
}

func TestShouldRateLimitUnknownOnEmptyRequest(t *testing.T) {
	s := newServer(t)
	resp, err := s.ShouldRateLimit(context.Background(), &rlsv3.RateLimitRequest{Domain: "test"})
	require.NoError(t, err)
	assert.Equal(t, rlsv3.RateLimitResponse_UNKNOWN, resp.OverallCode)
}

func TestShouldRateLimitHitsZeroIsNoOpAtTheWire(t *testing.T) {
	s := newServer(t)
	req := &rlsv3.RateLimitRequest{
		Domain:      "test",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{descriptor("api_key", "anything")},
		HitsAddend:  0,
	}

	resp, err := s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Statuses, 1)
	assert.Equal(t, uint32(2), resp.Statuses[0].LimitRemaining)

	resp, err = s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.Statuses[0].LimitRemaining, "hits_addend=0 must not consume quota")
}

func TestShouldRateLimitUnmatchedDescriptorPassesThrough(t *testing.T) {
	s := newServer(t)
	resp, err := s.ShouldRateLimit(context.Background(), &rlsv3.RateLimitRequest{
		Domain:      "test",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{descriptor("unknown_key", "x")},
		HitsAddend:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, rlsv3.RateLimitResponse_OK, resp.OverallCode)
	require.Len(t, resp.Statuses, 1)
	assert.Nil(t, resp.Statuses[0].CurrentLimit)
}
