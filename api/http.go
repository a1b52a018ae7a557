package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/handlers"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/middleware"
	"github.com/flexvod/caption-api/pipeline"
	"github.com/flexvod/caption-api/store"
)

func ListenAndServe(ctx context.Context, addr, apiToken string, coordinator *pipeline.Coordinator, counters *store.Counters, kv store.KV, b *broker.Broker) error {
	router := NewCaptionAPIRouter(apiToken, coordinator, counters, kv, b)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoVideoID("Starting Caption API!", "host", addr)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewCaptionAPIRouter(apiToken string, coordinator *pipeline.Coordinator, counters *store.Counters, kv store.KV, b *broker.Broker) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withAuth := middleware.IsAuthorized

	captionAPIHandlers := &handlers.CaptionAPIHandlersCollection{
		Coordinator: coordinator,
		Counters:    counters,
		KV:          kv,
		Broker:      b,
	}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(captionAPIHandlers.Ok()))
	router.GET("/api/health", withLogging(captionAPIHandlers.Health()))
	router.GET("/api/metrics", withLogging(captionAPIHandlers.MetricsSnapshot()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// Operator API
	router.POST("/api/vod/process",
		withLogging(
			withAuth(
				apiToken,
				captionAPIHandlers.ProcessVideo(),
			),
		),
	)
	router.GET("/api/tasks/:id",
		withLogging(
			withAuth(
				apiToken,
				captionAPIHandlers.TaskStatus(),
			),
		),
	)
	router.GET("/api/vod/jobs",
		withLogging(
			withAuth(
				apiToken,
				captionAPIHandlers.Jobs(),
			),
		),
	)
	router.GET("/api/vod/ledger",
		withLogging(
			withAuth(
				apiToken,
				captionAPIHandlers.LedgerStatus(),
			),
		),
	)

	return router
}
