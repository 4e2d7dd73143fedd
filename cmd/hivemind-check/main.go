// cmd/hivemind-check is a small gRPC client for exercising a running
// hivemind node by hand, the diagnostic analogue of the teacher's kvcli.
//
// Usage:
//
//	hivemind-check --addr 127.0.0.1:8081 --domain test \
//	                --descriptor api_key=premium --hits 1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
)

type descriptorFlags []string

func (d *descriptorFlags) String() string { return strings.Join(*d, ",") }
func (d *descriptorFlags) Set(v string) error {
	*d = append(*d, v)
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8081", "hivemind gRPC address")
	domain := flag.String("domain", "", "rate-limit domain (required)")
	hits := flag.Uint("hits", 1, "hits_addend for this call")
	timeout := flag.Duration("timeout", 5*time.Second, "RPC timeout")
	var descriptors descriptorFlags
	flag.Var(&descriptors, "descriptor", "key=value descriptor entry; repeatable, builds one vector")
	flag.Parse()

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "hivemind-check: --domain is required")
		os.Exit(1)
	}

	entries := make([]*ratelimitv3.RateLimitDescriptor_Entry, 0, len(descriptors))
	for _, d := range descriptors {
		kv := strings.SplitN(d, "=", 2)
		if len(kv) != 2 {
			fmt.Fprintf(os.Stderr, "hivemind-check: bad --descriptor %q, expected key=value\n", d)
			os.Exit(1)
		}
		entries = append(entries, &ratelimitv3.RateLimitDescriptor_Entry{Key: kv[0], Value: kv[1]})
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "hivemind-check: dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := rlsv3.NewRateLimitServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := client.ShouldRateLimit(ctx, &rlsv3.RateLimitRequest{
		Domain:      *domain,
		Descriptors: []*ratelimitv3.RateLimitDescriptor{{Entries: entries}},
		HitsAddend:  uint32(*hits),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hivemind-check: ShouldRateLimit:", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Println(resp.String())
		return
	}
	fmt.Println(string(out))
}
