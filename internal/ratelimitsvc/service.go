// Package ratelimitsvc implements Envoy's v3 rate-limit gRPC contract
// (envoy.service.ratelimit.v3.RateLimitService) over the Admission Engine.
// This is the data-plane transport named in spec §6; the wire types
// themselves come from Envoy's own generated protobufs rather than being
// hand-rolled, since that contract — not our choice of framing — is what a
// front proxy actually speaks.
package ratelimitsvc

import (
	"context"
	"strconv"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"

	"hivemind/internal/admission"
	"hivemind/internal/clock"
	"hivemind/internal/rules"
)

// Server implements rlsv3.RateLimitServiceServer.
type Server struct {
	rlsv3.UnimplementedRateLimitServiceServer
	engine *admission.Engine
	log    zerolog.Logger
}

// New creates a Server over an Admission Engine.
func New(engine *admission.Engine, log zerolog.Logger) *Server {
	return &Server{engine: engine, log: log}
}

// ShouldRateLimit implements the single RPC method of the v3 contract.
func (s *Server) ShouldRateLimit(ctx context.Context, req *rlsv3.RateLimitRequest) (*rlsv3.RateLimitResponse, error) {
	vectors := make([]rules.Vector, 0, len(req.GetDescriptors()))
	for _, d := range req.GetDescriptors() {
		vec := make(rules.Vector, 0, len(d.GetEntries()))
		for _, e := range d.GetEntries() {
			vec = append(vec, rules.Entry{Key: e.GetKey(), Value: e.GetValue()})
		}
		vectors = append(vectors, vec)
	}

	// hits_addend is passed through unchanged: 0 is the documented no-op per
	// §9 (Engine.ShouldRateLimit returns current Remaining without
	// incrementing), not coerced to the default of 1.
	result := s.engine.ShouldRateLimit(req.GetDomain(), vectors, req.GetHitsAddend())

	resp := &rlsv3.RateLimitResponse{
		OverallCode: toWireCode(result.Overall),
		Statuses:    make([]*rlsv3.RateLimitResponse_DescriptorStatus, 0, len(result.Statuses)),
	}

	for _, st := range result.Statuses {
		ds := &rlsv3.RateLimitResponse_DescriptorStatus{
			Code:           toWireCode(st.Code),
			LimitRemaining: st.Remaining,
		}
		if st.HasLimit {
			ds.CurrentLimit = &rlsv3.RateLimitResponse_RateLimit{
				RequestsPerUnit: st.Limit,
				Unit:            toWireUnit(st.Unit),
			}
			ds.DurationUntilReset = durationpb.New(time.Duration(st.ResetSeconds) * time.Second)
			resp.ResponseHeadersToAdd = append(resp.ResponseHeadersToAdd,
				headersForStatus(st)...)
		}
		resp.Statuses = append(resp.Statuses, ds)
	}

	s.log.Debug().
		Str("domain", req.GetDomain()).
		Int("descriptors", len(vectors)).
		Str("overall", resp.OverallCode.String()).
		Msg("ShouldRateLimit")

	return resp, nil
}

func toWireCode(c admission.Code) rlsv3.RateLimitResponse_Code {
	switch c {
	case admission.OK:
		return rlsv3.RateLimitResponse_OK
	case admission.OverLimit:
		return rlsv3.RateLimitResponse_OVER_LIMIT
	default:
		return rlsv3.RateLimitResponse_UNKNOWN
	}
}

// toWireUnit maps our four window granularities onto Envoy's RateLimit_Unit
// enum. The mapping is by name: Envoy's enum reserves 0 for UNKNOWN, so its
// ordinals do not line up with clock.Unit's.
func toWireUnit(u clock.Unit) rlsv3.RateLimitResponse_RateLimit_Unit {
	switch u {
	case clock.Second:
		return rlsv3.RateLimitResponse_RateLimit_SECOND
	case clock.Minute:
		return rlsv3.RateLimitResponse_RateLimit_MINUTE
	case clock.Hour:
		return rlsv3.RateLimitResponse_RateLimit_HOUR
	case clock.Day:
		return rlsv3.RateLimitResponse_RateLimit_DAY
	default:
		return rlsv3.RateLimitResponse_RateLimit_UNKNOWN
	}
}

func headersForStatus(st admission.DescriptorStatus) []*corev3.HeaderValue {
	return []*corev3.HeaderValue{
		{Key: "X-RateLimit-Limit", Value: strconv.FormatUint(uint64(st.Limit), 10)},
		{Key: "X-RateLimit-Remaining", Value: strconv.FormatUint(uint64(st.Remaining), 10)},
		{Key: "X-RateLimit-Reset", Value: strconv.FormatUint(uint64(st.ResetSeconds), 10)},
	}
}
