package main

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nooble4/bus/busredis"
	"github.com/nooble4/bus/queue"
)

// newDebugServer builds the worker's operator-facing HTTP surface:
// /healthz pings Redis, /metrics reports the current depth of each
// tier's action queue. Both handlers are wrapped with otelhttp so
// scrape/probe requests show up in the same trace backend as dispatch
// spans.
func newDebugServer(addr string, conn *busredis.Conn, names queue.Names, serviceName string) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := conn.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}), "healthz"))

	mux.Handle("/metrics", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, tier := range queue.TierPriorityOrder() {
			q := names.ActionQueue(serviceName, "", "", tier)
			n, err := conn.Len(ctx, q)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "bus_worker_queue_depth{service=%q,tier=%q} %d\n", serviceName, string(tier), n)
		}
	}), "metrics"))

	return &http.Server{Addr: addr, Handler: mux}
}

func shutdownDebugServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
