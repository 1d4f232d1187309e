package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/idempotency"
	"tradecore/internal/monitor"
	"tradecore/internal/trading"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// newMonitorHandler 提供监控事件、最近一次对账与按关联ID查询结果的只读接口。
// client 为空时不注册结果查询。
func newMonitorHandler(svc *monitor.Service, client *trading.Client, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		eventType, err := monitor.ParseEventType(q.Get("type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		events, err := svc.ListEvents(r.Context(), eventType, eventLimit(q.Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	mux.HandleFunc("GET /reconcile", func(w http.ResponseWriter, r *http.Request) {
		events, err := svc.ListEvents(r.Context(), monitor.EventReconcile, 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(events) == 0 {
			http.Error(w, "尚未对账", http.StatusNotFound)
			return
		}
		writeJSON(w, events[0], logger)
	})

	if client != nil {
		mux.HandleFunc("GET /results/{id}", func(w http.ResponseWriter, r *http.Request) {
			res, err := client.Recall(r.PathValue("id"))
			if errors.Is(err, idempotency.ErrNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, res, logger)
		})
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func eventLimit(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return defaultEventLimit
	}
	if v > maxEventLimit {
		return maxEventLimit
	}
	return v
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func startMonitorServer(ctx context.Context, svc *monitor.Service, client *trading.Client, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: newMonitorHandler(svc, client, logger), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}
