package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/api"
	"github.com/turbine-ai/turbine/internal/config"
	"github.com/turbine-ai/turbine/internal/engine"
	"github.com/turbine-ai/turbine/internal/reactor"
	"github.com/turbine-ai/turbine/internal/store"
	"github.com/turbine-ai/turbine/internal/stream"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	sq := store.NewSQLite(db)
	hub := stream.NewHub()
	broker := action.NewBroker()

	registry := action.NewRegistry()
	registry.Register(action.Noop())
	registry.Register(action.Notify(func(_ context.Context, recipient, message string) error {
		log.Printf("notify %s: %s", recipient, message)
		return nil
	}))
	executor := action.NewExecutor(registry,
		broker,
		&action.StoreSource{Approvals: sq},
	)

	var r reactor.Reactor
	if cfg.LLMModel != "" && cfg.LLMAPIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
		}
		client := openai.NewClient(opts...)
		r = &reactor.OpenAI{Client: &client, Model: cfg.LLMModel}
	} else {
		log.Printf("LLM disabled: set TURBINE_LLM_MODEL and TURBINE_LLM_API_KEY")
		echo := reactor.NewScripted(reactor.Response{
			Fragment: reactor.Fragment{Parts: []reactor.FragmentPart{
				{Type: "text", Payload: map[string]any{"text": "No model is configured."}},
			}},
		})
		echo.Repeat = true
		r = echo
	}

	eng := engine.New(sq, r, executor,
		engine.WithSink(hub),
		engine.WithKeepSinkOpen(),
		engine.WithMaxIterations(cfg.MaxIterations),
	)

	apiServer := &api.Server{
		Engine:    eng,
		Store:     sq,
		Hub:       hub,
		Broker:    broker,
		Approvals: sq,
		Env:       reactor.Environment{Name: "default", Model: cfg.LLMModel},
		StartedAt: time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("turbined listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
	_ = hub.Close(context.Background())
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
