package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"easy-content-upgrade/internal/config"
	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/infra/etcd"
	"easy-content-upgrade/internal/infra/fs"
	http_infra "easy-content-upgrade/internal/infra/http"
	"easy-content-upgrade/internal/infra/js"
	"easy-content-upgrade/internal/infra/kafka"
	"easy-content-upgrade/internal/infra/memory"
	"easy-content-upgrade/internal/infra/mongo"
	shell_infra "easy-content-upgrade/internal/infra/shell"
	"easy-content-upgrade/internal/usecase"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// app holds the components shared by all commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	nodeID     string
	etcdClient *clientv3.Client // nil unless etcd is configured
	service    *usecase.AecuService
	closers    []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, nodeID: cfg.NodeID}
	if a.nodeID == "" {
		a.nodeID = uuid.New().String()
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if cfg.HistoryStore == "etcd" || cfg.ClusterEnabled {
		if a.etcdClient, err = etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout); err != nil {
			return nil, err
		}
		client := a.etcdClient
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
	}

	history, err := a.historyRepository(ctx)
	if err != nil {
		return nil, err
	}

	var locker domain.Locker = memory.NewLocker()
	if a.etcdClient != nil {
		locker = etcd.NewEtcdLocker(a.etcdClient)
	}

	var publisher domain.HistoryPublisher = kafka.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		p := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		publisher = p
	}

	httpOpts := http_infra.DefaultOptions()
	httpOpts.Timeout = cfg.HttpTimeout
	httpOpts.MaxRetries = cfg.HttpMaxRetries

	engines := map[domain.ScriptType]domain.ScriptEngine{
		domain.ScriptTypeJavaScript: js.NewJSEngine(cfg.RunModes, logger),
		domain.ScriptTypeShell:      shell_infra.NewShellEngine(logger),
		domain.ScriptTypeHTTP:       http_infra.NewHttpEngine(httpOpts, logger),
	}

	a.service = usecase.NewAecuService(
		fs.NewOsScriptRepository(cfg.ScriptRoot),
		engines,
		history,
		locker,
		publisher,
		usecase.Options{
			AllowedRoots:  cfg.AllowedRoots,
			RunModes:      cfg.RunModes,
			ScriptTimeout: cfg.ScriptTimeout,
			NodeID:        a.nodeID,
		},
		logger,
	)
	return a, nil
}

func (a *app) historyRepository(ctx context.Context) (domain.HistoryRepository, error) {
	switch a.cfg.HistoryStore {
	case "etcd":
		return etcd.NewEtcdHistoryRepository(a.etcdClient, a.logger), nil
	case "mongo":
		client, err := mongo.Connect(ctx, a.cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Disconnect)
		coll := client.Database(a.cfg.MongoDatabase).Collection(a.cfg.MongoCollection)
		if err := mongo.EnsureIndexes(ctx, coll); err != nil {
			return nil, err
		}
		a.logger.Info("connected to mongo", "database", a.cfg.MongoDatabase, "collection", a.cfg.MongoCollection)
		return mongo.NewMongoHistoryRepository(coll, a.logger), nil
	case "memory":
		return memory.NewHistoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown history store %q", a.cfg.HistoryStore)
	}
}

// Close releases the connections in reverse order of creation.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
