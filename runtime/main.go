package main

import (
	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ViljarVoidula/graphql-gateway/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.WithError(err).Warn("No .env file loaded")
	}

	ctx, err := context.NewCtx(
		&services.SqlService{},
		&services.RedisService{},
		&services.UsageService{},
		&services.KeyManagerService{},
		&services.JWTService{},
		&services.SchemaArchiveService{},
		&services.SchemaService{},
		&services.ServiceRegistryService{},
		&services.AuthMiddleware{},
		&services.MonitoringService{},

		&services.HttpService{},
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to build service context")
		return
	}

	if err := ctx.Run(); err != nil {
		log.WithError(err).Fatal("Gateway exited with error")
	}
}
