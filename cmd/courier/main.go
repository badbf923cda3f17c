package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/config"
	"github.com/joelkehle/courier/internal/continuity"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/gateway"
	"github.com/joelkehle/courier/internal/pending"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/rpcapi"
	"github.com/joelkehle/courier/internal/store"
	"github.com/joelkehle/courier/internal/worker"
)

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			log.Fatalf("init trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	st, err := store.NewSQLiteStore(cfg.DBPath, store.Config{})
	if err != nil {
		log.Fatalf("failed to initialize sqlite store (%s): %v", cfg.DBPath, err)
	}
	defer st.Close()
	log.Printf("using sqlite store at %s", cfg.DBPath)

	b := bus.New()
	defer b.Close()

	contexts := routing.NewContextStore(cfg.RoutingCapacity)
	tracker := delivery.NewTracker(st, b)

	var caller continuity.LLMCaller
	if ac, err := continuity.NewAnthropicCallerFromEnv(); err != nil {
		log.Printf("llm disabled: %v", err)
	} else {
		caller = ac
	}

	var classifier continuity.Classifier
	var summaryCaller continuity.SummaryCaller
	var responder worker.Responder
	var intentClassifier worker.IntentClassifier
	if caller != nil {
		classifier = continuity.NewLLMClassifier(caller)
		summaryCaller = continuity.NewLLMSummarizer(caller)
		responder = worker.NewLLMResponder(caller)
		intentClassifier = worker.NewLLMIntentClassifier(caller)
	}

	resolver := continuity.NewResolver(st, classifier, continuity.ResolverConfig{})
	summarizer := continuity.NewSummarizer(st, summaryCaller, continuity.SummarizerConfig{})

	pendingStore := pending.NewStore(pending.Config{
		ConfirmTimeout: cfg.ConfirmTimeout,
		SweepInterval:  cfg.SweepInterval,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	done := make(chan struct{})
	defer close(done)
	pendingStore.StartSweeper(done)

	worker.NewBrain(b, st, tracker, contexts, summarizer, responder)
	worker.NewIdentity(b, st, tracker, contexts, pendingStore, intentClassifier, worker.NewLocalPaymentExecutor(), worker.IdentityConfig{
		AutoApproveDelay: cfg.AutoApproveDelay,
	})

	dispatcher := gateway.NewDispatcher(b, tracker, contexts)
	dispatcher.Register(gateway.NewLoopback())

	h := rpcapi.NewServer(st, b, contexts, resolver, tracker)
	addr := ":" + cfg.Port
	log.Printf("courier listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}
