package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zen-systems/concord/pkg/observer"
	"github.com/zen-systems/concord/pkg/pipeline"
	"github.com/zen-systems/concord/pkg/task"
)

const maxRequestBytes = 1 << 20

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP with a WebSocket event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			var hub *observer.Hub
			forward := pipeline.ObserverFunc(func(e pipeline.Event) {
				if hub != nil {
					hub.OnEvent(e)
				}
			})
			eng, err := buildEngine(engineOptions{
				configPath:  configFile,
				logLevel:    logLevel,
				mock:        useMock,
				evidenceDir: evidenceDir,
				observers:   []pipeline.Observer{forward},
			})
			if err != nil {
				return err
			}
			hub = observer.NewHub(eng.logger)
			defer hub.Close()
			defer eng.Close()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServer(eng, hub),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			eng.logger.Info().Str("addr", addr).Int("models", eng.reg.Len()).Msg("serving")
			cmd.Printf("%s listening on %s\n", color.GreenString("✓"), addr)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			eng.logger.Info().Msg("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

type processRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newServer routes the HTTP API onto the engine.
func newServer(eng *engine, hub *observer.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/process", func(w http.ResponseWriter, r *http.Request) {
		req, mode, ok := decodeProcess(w, r)
		if !ok {
			return
		}
		resp, err := eng.orch.Process(r.Context(), req.Prompt, mode)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("POST /v1/estimate", func(w http.ResponseWriter, r *http.Request) {
		req, mode, ok := decodeProcess(w, r)
		if !ok {
			return
		}
		est, err := eng.orch.Estimate(r.Context(), req.Prompt, mode)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, est)
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.reg.Snapshot())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "models": eng.reg.Len()})
	})
	if hub != nil {
		mux.Handle("GET /v1/events", hub)
	}
	return mux
}

func decodeProcess(w http.ResponseWriter, r *http.Request) (processRequest, task.ExecutionMode, bool) {
	var req processRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, "", false
	}
	mode, err := task.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, "", false
	}
	return req, mode, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoModels):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
