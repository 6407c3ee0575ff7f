package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/joshuapare/memtrack/internal/logger"
	"github.com/joshuapare/memtrack/internal/metrics"
	"github.com/joshuapare/memtrack/tracker"
)

var (
	serveAddr     string
	serveWorkload bool
)

func init() {
	cmd := newServeCmd()
	cmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:9464", "Listen address")
	cmd.Flags().BoolVar(&serveWorkload, "workload", false, "Run a stress workload in the background")
	cmd.Flags().StringVarP(&stressConfigPath, "config", "c", "", "YAML workload file for --workload")
	rootCmd.AddCommand(cmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve tracker state and metrics over HTTP",
		Long: `The serve command exposes the process tracker over HTTP:

  GET /metrics        Prometheus metrics
  GET /ranges         every live range with its owning pool
  GET /lookup/:addr   the range containing addr (decimal or 0x hex)

Example:
  memtrackctl serve --addr :9464 --workload`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// RangeView is the JSON form of a tracked range.
type RangeView struct {
	Base string `json:"base"`
	End  string `json:"end"`
	Size uint   `json:"size"`
	Pool string `json:"pool"`
}

func viewOf(r tracker.Range) RangeView {
	return RangeView{
		Base: fmt.Sprintf("%#x", r.Base),
		End:  fmt.Sprintf("%#x", r.End()),
		Size: r.Size,
		Pool: r.Pool.Label(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// newRouter wires the debug endpoints for tr.
func newRouter(tr *tracker.Tracker) *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	router.GET("/ranges", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		ranges := tr.Ranges()
		views := make([]RangeView, len(ranges))
		var bytes uint
		for i, r := range ranges {
			views[i] = viewOf(r)
			bytes += r.Size
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":  len(views),
			"bytes":  bytes,
			"ranges": views,
		})
	})

	router.GET("/lookup/:addr", func(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
		a, err := strconv.ParseUint(ps.ByName("addr"), 0, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse address"))
			return
		}
		r, err := tr.Lookup(uintptr(a))
		switch {
		case errors.Is(err, tracker.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, viewOf(r))
		}
	})
	return router
}

// backgroundWorkload reruns the stress workload until ctx is done.
func backgroundWorkload(ctx context.Context, cfg StressConfig) {
	for ctx.Err() == nil {
		res, err := stressWorkload(ctx, cfg)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("background workload failed", "err", err)
			}
			return
		}
		logger.Info("background workload pass", "allocs", res.Allocs, "elapsed", res.Elapsed)
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := tracker.Init()
	if err != nil {
		return err
	}
	defer tracker.Fini(tr)

	// The workload must stop before the tracker is torn down.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if serveWorkload {
		cfg, err := loadStressConfig(stressConfigPath)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			backgroundWorkload(ctx, cfg)
		}()
	}

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           newRouter(tr),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	printInfo("serving on http://%s\n", serveAddr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
