package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/caseworks/caseflow/internal/bus"
	"github.com/caseworks/caseflow/internal/config"
	"github.com/caseworks/caseflow/internal/log"
	"github.com/caseworks/caseflow/internal/otel"
	"github.com/caseworks/caseflow/internal/registry"
	"github.com/caseworks/caseflow/internal/rest"
	"github.com/caseworks/caseflow/pkg/bpmn"
	"github.com/caseworks/caseflow/pkg/cmmn"
	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/caseworks/caseflow/pkg/eventstore/inmemory"
	"github.com/caseworks/caseflow/pkg/eventstore/mysql"
	"github.com/caseworks/caseflow/pkg/expr"
)

func main() {
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store, err := setupStore(conf.Storage)
	if err != nil {
		log.Error("Failed to set up event store: %s", err)
		os.Exit(1)
	}

	evaluator := expr.NewEvaluator(appContext)
	executor := bpmn.NewExecutor(evaluator)
	engine := cmmn.NewEngine(evaluator)
	definitions := registry.New()

	queue := bus.NewMemoryQueue(conf.Queue.Buffer)
	messageBus := bus.New(queue, store, definitions, executor, engine,
		bus.WithWorkers(conf.Queue.Workers),
	)
	messageBus.Start(appContext)

	// Start the public API
	svr := rest.NewServer(messageBus, definitions, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	messageBus.Stop()
	openTelemetry.Stop(appContext)
}

func setupStore(conf config.Storage) (eventstore.Store, error) {
	switch conf.Type {
	case config.StorageTypeMysql:
		return mysql.NewStore(conf.MysqlDsn)
	default:
		return inmemory.NewStore(), nil
	}
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
