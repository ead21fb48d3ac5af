//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/store"
	"github.com/docsync/docsync/internal/server"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}

func ProvideServer(cfg server.Config) *server.Server {
	wire.Build(
		store.NewMemory,
		wire.Bind(new(log.Log), new(*log.Logger)),
		log.Provide,
		server.New,
	)
	return nil
}
