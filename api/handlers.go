package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/bus"
	"github.com/primoscope/Spotify-echo-sub018/core"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/eventstore"
	"github.com/primoscope/Spotify-echo-sub018/mesh"
	"github.com/primoscope/Spotify-echo-sub018/tx"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, orch *core.Orchestrator, logger *log.Logger) {
	e.POST("/api/events/publish", postPublish(orch.Bus, logger))
	e.POST("/api/events/store", postStore(orch.Store, logger))
	e.GET("/api/events/stream/:streamId", getStream(orch.Store))
	e.POST("/api/events/rebuild", postRebuild(orch.Store, logger))
	e.GET("/api/events/stats", getStoreStats(orch.Store))

	e.GET("/api/bus/metrics", getBusMetrics(orch.Bus))
	e.GET("/api/bus/deadletters", getDeadLetters(orch.Bus))

	e.GET("/api/mesh/topology", getTopology(orch.Registry))
	e.POST("/api/mesh/call", postCall(orch.Mesh, logger))
	e.POST("/api/mesh/register", postRegister(orch.Registry))
	e.DELETE("/api/mesh/services/:name", deleteService(orch.Registry))

	e.POST("/api/tx/start", postTxStart(orch.Tx, logger))
	e.GET("/api/tx/:transactionId", getTransaction(orch.Tx))
	e.GET("/api/tx/stats", getTxStats(orch.Tx))

	e.GET("/api/stats", getStats(orch))
	e.GET("/healthz", healthz(orch))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func decodeBody(c echo.Context, maxSize int64, out interface{}) error {
	lr := io.LimitReader(c.Request().Body, maxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func postPublish(b *bus.Bus, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "events.publish", logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req publishRequest
		decodeErr := decodeBody(c, publishMaxSize, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		execStart := time.Now()
		eventID, pubErr := b.Publish(ctx, req.EventType, req.Data, bus.PublishOptions{
			Source:         req.Options.Source,
			CorrelationID:  req.Options.CorrelationID,
			UserID:         req.Options.UserID,
			IdempotencyKey: req.Options.IdempotencyKey,
		})
		metrics.ObserveExec(time.Since(execStart))
		if pubErr != nil {
			metrics.SetErrorStage("publish")
			err = respondError(c, pubErr)
			return err
		}
		err = c.JSON(http.StatusAccepted, publishResponse{EventID: eventID})
		return err
	}
}

func postStore(store *eventstore.Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "events.store", logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req storeRequest
		decodeErr := decodeBody(c, storeMaxSize, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		events := make([]domain.Event, len(req.Events))
		for i, in := range req.Events {
			events[i] = domain.Event{
				Type:     in.Type,
				Data:     in.Data,
				Metadata: in.Metadata,
			}
		}
		expected := eventstore.AnyVersion
		if req.ExpectedVersion != nil {
			expected = *req.ExpectedVersion
		}

		execStart := time.Now()
		result, appendErr := store.Append(ctx, req.StreamID, events, expected)
		metrics.ObserveExec(time.Since(execStart))
		if appendErr != nil {
			metrics.SetErrorStage("append")
			err = respondError(c, appendErr)
			return err
		}
		err = c.JSON(http.StatusOK, result)
		return err
	}
}

func getStream(store *eventstore.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		streamID := c.Param("streamId")

		fromVersion := int64(0)
		if raw := strings.TrimSpace(c.QueryParam("fromVersion")); raw != "" {
			parsed, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil || parsed < 0 {
				return c.String(http.StatusBadRequest, "invalid fromVersion")
			}
			fromVersion = parsed
		}
		maxCount := 0
		if raw := strings.TrimSpace(c.QueryParam("maxCount")); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				return c.String(http.StatusBadRequest, "invalid maxCount")
			}
			maxCount = parsed
		}

		slice, err := store.ReadStream(ctx, streamID, fromVersion, maxCount)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, slice)
	}
}

func postRebuild(store *eventstore.Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "events.rebuild", logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req rebuildRequest
		decodeErr := decodeBody(c, storeMaxSize, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		fromSnapshot := true
		if req.FromSnapshot != nil {
			fromSnapshot = *req.FromSnapshot
		}

		execStart := time.Now()
		rebuilt, rebuildErr := store.Rebuild(ctx, req.StreamID, req.AggregateType, fromSnapshot)
		metrics.ObserveExec(time.Since(execStart))
		if rebuildErr != nil {
			metrics.SetErrorStage("rebuild")
			err = respondError(c, rebuildErr)
			return err
		}
		err = c.JSON(http.StatusOK, rebuilt)
		return err
	}
}

func getStoreStats(store *eventstore.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := store.Statistics(c.Request().Context())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func getBusMetrics(b *bus.Bus) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.Metrics())
	}
}

func getDeadLetters(b *bus.Bus) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 0
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
			limit = parsed
		}
		entries := b.DeadLetters(limit)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func getTopology(registry *mesh.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, registry.Topology())
	}
}

func postCall(client *mesh.Client, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "mesh.call", logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req callRequest
		decodeErr := decodeBody(c, callMaxSize, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		opts := mesh.CallOptions{
			Data:          req.Body,
			Headers:       req.Headers,
			SourceService: req.SourceService,
		}
		if req.TimeoutMs > 0 {
			opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}

		execStart := time.Now()
		resp, callErr := client.Call(ctx, req.ServiceName, req.Method, req.Path, opts)
		metrics.ObserveExec(time.Since(execStart))
		if callErr != nil {
			metrics.SetErrorStage("call")
			if domain.ErrorCode(callErr) == "fatal" {
				// Network failures reaching the upstream are the caller's
				// problem to retry, not an internal fault.
				err = c.JSON(http.StatusBadGateway, map[string]interface{}{
					"error":   "upstream_unreachable",
					"message": callErr.Error(),
					"service": req.ServiceName,
				})
				return err
			}
			err = respondError(c, callErr)
			return err
		}
		err = c.JSON(http.StatusOK, callResponse{
			Status: resp.Status,
			Body:   decodeUpstreamBody(resp.Body),
		})
		return err
	}
}

// decodeUpstreamBody keeps JSON bodies as JSON on the way back out and
// falls back to a plain string for everything else.
func decodeUpstreamBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var decoded interface{}
	if err := sonic.ConfigStd.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}

func postRegister(registry *mesh.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeBody(c, txMaxSize, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := registry.Register(c.Request().Context(), req.Name, req.Endpoints); err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusCreated, map[string]string{"name": req.Name})
	}
}

func deleteService(registry *mesh.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		if err := registry.Deregister(c.Request().Context(), name); err != nil {
			return respondError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postTxStart(coord *tx.Coordinator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "tx.start", logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req tx.Request
		decodeErr := decodeBody(c, txMaxSize, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		execStart := time.Now()
		result, startErr := coord.Start(ctx, req)
		metrics.ObserveExec(time.Since(execStart))
		if startErr != nil {
			metrics.SetErrorStage("coordinate")
			err = respondError(c, startErr)
			return err
		}
		err = c.JSON(http.StatusOK, result)
		return err
	}
}

func getTransaction(coord *tx.Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		txn, ok := coord.Lookup(c.Param("transactionId"))
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "unknown transaction",
			})
		}
		return c.JSON(http.StatusOK, txn)
	}
}

func getTxStats(coord *tx.Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, coord.Statistics())
	}
}

func getStats(orch *core.Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := orch.Stats(c.Request().Context())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func healthz(orch *core.Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := orch.Health(c.Request().Context())
		status := http.StatusOK
		if h.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, h)
	}
}
