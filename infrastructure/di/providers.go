package di

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"treechat/application/commands/handlers"
	"treechat/application/engine"
	"treechat/application/ports"
	"treechat/application/services"
	domainconfig "treechat/domain/config"
	"treechat/domain/core/aggregates"
	domainservices "treechat/domain/services"
	"treechat/infrastructure/config"
	"treechat/infrastructure/messaging"
	"treechat/infrastructure/messaging/eventbridge"
	"treechat/infrastructure/persistence/badger"
	"treechat/infrastructure/persistence/dynamodb"
	"treechat/infrastructure/persistence/memory"
	"treechat/infrastructure/remote"
	"treechat/pkg/observability"
	"treechat/pkg/utils"
)

const serviceName = "treechat"

// memoryCacheEntries bounds the in-process mirror.
const memoryCacheEntries = 10000

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName)), nil
}

// ProvideAWSConfig creates AWS configuration. Loading reads the environment
// and shared config files only; no request is made until a client is used.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// ProvideLocalCache selects the mirror backend. The cleanup closes badger.
func ProvideLocalCache(cfg *config.Config, client *awsdynamodb.Client, logger *zap.Logger) (ports.LocalCache, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheBadger:
		cache, err := badger.Open(badger.DefaultConfig(cfg.BadgerPath), logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := cache.Close(); err != nil {
				logger.Error("Failed to close badger cache", zap.Error(err))
			}
		}
		return cache, cleanup, nil
	case config.CacheDynamoDB:
		return dynamodb.NewCache(client, cfg.DynamoDBTable, cfg.CacheItemTTL, logger), func() {}, nil
	default:
		return memory.NewCache(memoryCacheEntries), func() {}, nil
	}
}

// ProvideEventPublisher returns the EventBridge publisher when events are
// enabled and a logging publisher otherwise.
func ProvideEventPublisher(cfg *config.Config, client *awseventbridge.Client, logger *zap.Logger) ports.EventPublisher {
	if !cfg.EnableEvents {
		return messaging.NewLogPublisher(logger.Named("events"))
	}
	return eventbridge.NewPublisher(client, cfg.EventBusName, eventbridge.DefaultSource, logger)
}

// ProvideMetrics creates metrics instance. CloudWatch receives fallback
// counts only when metrics are enabled.
func ProvideMetrics(cfg *config.Config, client *awscloudwatch.Client, logger *zap.Logger) *observability.Metrics {
	var cw observability.CloudWatchAPI
	if cfg.EnableMetrics {
		cw = client
	}
	return observability.NewMetrics(cfg.MetricsNamespace, cw, logger)
}

func ProvideTracer(cfg *config.Config) *observability.Tracer {
	return observability.NewTracer(serviceName, cfg.EnableTracing)
}

// ProvideRemoteAPI creates the conversation server client
func ProvideRemoteAPI(cfg *config.Config, logger *zap.Logger) ports.RemoteAPI {
	breaker := remote.DefaultBreakerConfig()
	breaker.FailureThreshold = cfg.BreakerFailureThreshold
	breaker.MinRequests = uint32(cfg.BreakerMinRequests)
	breaker.Timeout = cfg.BreakerOpenTimeout
	return remote.NewClient(cfg.RemoteBaseURL, &http.Client{Timeout: cfg.RemoteTimeout}, breaker, logger.Named("remote"))
}

func ProvideDomainConfig(cfg *config.Config) *domainconfig.DomainConfig {
	d := domainconfig.DefaultDomainConfig()
	d.TransitionLogSize = cfg.TransitionLogSize
	d.VerifyAttempts = cfg.VerifyAttempts
	d.CacheTTL = cfg.CacheTTL
	return d
}

func ProvideGatewayConfig(cfg *config.Config, d *domainconfig.DomainConfig) services.GatewayConfig {
	g := services.DefaultGatewayConfig()
	g.CacheTTL = d.CacheTTL
	g.CallTimeout = cfg.RemoteTimeout
	g.Retry = utils.DefaultRetryConfig()
	g.Retry.MaxAttempts = cfg.RetryAttempts
	g.Retry.BaseDelay = cfg.RetryBaseDelay
	g.Retry.MaxDelay = cfg.RetryMaxDelay
	g.VerifyBackoff.MaxAttempts = d.VerifyAttempts
	return g
}

func ProvideSyncGateway(
	api ports.RemoteAPI,
	cache ports.LocalCache,
	gcfg services.GatewayConfig,
	tracer *observability.Tracer,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *services.SyncGateway {
	return services.NewSyncGateway(api, cache, gcfg, tracer, metrics, logger.Named("gateway"))
}

func ProvideGraph() *aggregates.Graph {
	return aggregates.NewGraph()
}

func ProvideContextRegistry(d *domainconfig.DomainConfig) *aggregates.ContextRegistry {
	return aggregates.NewContextRegistry(d.TransitionLogSize)
}

func ProvidePathResolver(graph *aggregates.Graph) *domainservices.PathResolver {
	return domainservices.NewPathResolver(graph)
}

// ProvideNodeOrchestrator creates the submission handler
func ProvideNodeOrchestrator(
	graph *aggregates.Graph,
	registry *aggregates.ContextRegistry,
	resolver *domainservices.PathResolver,
	gateway *services.SyncGateway,
	publisher ports.EventPublisher,
	metrics *observability.Metrics,
	d *domainconfig.DomainConfig,
	logger *zap.Logger,
) *handlers.NodeOrchestrator {
	return handlers.NewNodeOrchestrator(graph, registry, resolver, gateway, publisher, metrics, d,
		&zapLoggerAdapter{logger.Named("orchestrator")})
}

func ProvideTreeEngine(
	graph *aggregates.Graph,
	registry *aggregates.ContextRegistry,
	resolver *domainservices.PathResolver,
	gateway *services.SyncGateway,
	orchestrator *handlers.NodeOrchestrator,
	publisher ports.EventPublisher,
	d *domainconfig.DomainConfig,
	logger *zap.Logger,
) *engine.TreeEngine {
	return engine.NewTreeEngine(graph, registry, resolver, gateway, orchestrator, publisher, d, logger.Named("engine"))
}

// zapLoggerAdapter adapts zap.Logger to the handlers.Logger interface
type zapLoggerAdapter struct {
	logger *zap.Logger
}

func (a *zapLoggerAdapter) Debug(msg string, fields ...interface{}) {
	a.logger.Debug(msg, a.fieldsToZap(fields...)...)
}

func (a *zapLoggerAdapter) Info(msg string, fields ...interface{}) {
	a.logger.Info(msg, a.fieldsToZap(fields...)...)
}

func (a *zapLoggerAdapter) Warn(msg string, fields ...interface{}) {
	a.logger.Warn(msg, a.fieldsToZap(fields...)...)
}

func (a *zapLoggerAdapter) Error(msg string, fields ...interface{}) {
	a.logger.Error(msg, a.fieldsToZap(fields...)...)
}

func (a *zapLoggerAdapter) fieldsToZap(fields ...interface{}) []zap.Field {
	var zapFields []zap.Field
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, _ := fields[i].(string)
			zapFields = append(zapFields, zap.Any(key, fields[i+1]))
		}
	}
	return zapFields
}
