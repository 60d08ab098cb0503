package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/example/go-deepvoice3/internal/config"
	"github.com/example/go-deepvoice3/internal/model"
	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Decoder runs incremental decodes. *model.Decoder implements it.
type Decoder interface {
	Arch() model.Arch
	Infer(ctx context.Context, mem model.Memory, framePositions, textPositions [][]int64, testInputs *tensor.Tensor) (*model.Result, error)
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxBodyBytes   int64
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   16 << 20,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes sets the maximum request body size for POST /decode.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithWorkers sets the maximum number of concurrent decodes. Zero disables
// the limit.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request decode deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	dec  Decoder
	opts options
	sem  chan struct{} // semaphore for worker pool
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves /health and POST /decode.
func NewHandler(dec Decoder, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		dec:  dec,
		opts: opts,
		log:  opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/decode", h.handleDecode)

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	arch := h.dec.Arch()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   buildVersion(),
		"embed_dim": arch.EmbedDim,
		"out_dim":   arch.OutDim(),
		"hops":      len(arch.Hops),
	})
}

func (h *handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)
	log := h.log.With(slog.String("request_id", id))

	var req DecodeRequest

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("body exceeds maximum size of %d bytes", h.opts.maxBodyBytes))
			return
		}

		writeError(w, http.StatusBadRequest, "read body: "+err.Error())

		return
	}

	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	in, err := req.input(h.dec.Arch())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.dec.Infer(ctx, in.mem, in.framePositions, in.textPositions, in.testInputs)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		attrs := []any{
			slog.Int64("batch", in.mem.Keys.Dim(0)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			log.WarnContext(r.Context(), "decode timed out", attrs...)
			writeError(w, http.StatusGatewayTimeout, "decode timed out")
		case isContractError(err):
			log.InfoContext(r.Context(), "decode rejected", attrs...)
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.ErrorContext(r.Context(), "decode failed", attrs...)
			writeError(w, http.StatusInternalServerError, err.Error())
		}

		return
	}

	log.InfoContext(r.Context(), "decode complete",
		slog.Int64("batch", in.mem.Keys.Dim(0)),
		slog.Int("steps", res.Steps),
		slog.Bool("forced", res.Forced),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, newDecodeResponse(id, res, req.Alignments))
}

func isContractError(err error) bool {
	for _, target := range []error{
		model.ErrMissingMemory,
		model.ErrMissingInput,
		model.ErrMissingPositions,
		ops.ErrNoInputBuffer,
		ops.ErrIncrementalTraining,
		ops.ErrPositionRange,
		model.ErrMemoryLengths,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server: wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

type Server struct {
	cfg             config.Config
	dec             Decoder
	shutdownTimeout time.Duration
}

func New(cfg config.Config, dec Decoder) *Server {
	return &Server{
		cfg:             cfg,
		dec:             dec,
		shutdownTimeout: 30 * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if s.dec == nil {
		return errors.New("server: no decoder")
	}

	h := NewHandler(s.dec,
		WithWorkers(s.cfg.Server.Workers),
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
	)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("server listening", "addr", s.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

func CheckHealth(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}
