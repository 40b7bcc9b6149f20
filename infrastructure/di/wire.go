//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"treechat/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
	ProvideLocalCache,
	ProvideEventPublisher,
	ProvideMetrics,
	ProvideTracer,
	ProvideRemoteAPI,
	ProvideDomainConfig,
	ProvideGatewayConfig,
	ProvideSyncGateway,
	ProvideGraph,
	ProvideContextRegistry,
	ProvidePathResolver,
	ProvideNodeOrchestrator,
	ProvideTreeEngine,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
