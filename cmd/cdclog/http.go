package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/pipeline"
)

type healthz struct {
	Status      string `json:"status"`
	LastOffset  string `json:"last_offset"`
	BatchSize   int    `json:"batch_size"`
	RowsWritten int    `json:"rows_written"`
	Timestamp   string `json:"timestamp"`
}

func newMux(pl *pipeline.Pipeline, gatherer prometheus.Gatherer, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Health check requested")
		st := pl.Status()
		status := "running"
		if st.Retrying {
			status = "retrying"
		}
		resp := healthz{
			Status:      status,
			LastOffset:  st.LastOffset,
			BatchSize:   st.PendingBatch,
			RowsWritten: st.RowsWritten,
			Timestamp:   time.Now().Format(time.RFC3339),
		}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
