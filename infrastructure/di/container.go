package di

import (
	"go.uber.org/zap"

	"treechat/application/engine"
	"treechat/application/ports"
	"treechat/infrastructure/config"
	"treechat/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Engine  *engine.TreeEngine
	Cache   ports.LocalCache
	Metrics *observability.Metrics
}
