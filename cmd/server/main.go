package main

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/Arnaldocloud/bingo-admin/internal/config"
	"github.com/Arnaldocloud/bingo-admin/internal/database"
	"github.com/Arnaldocloud/bingo-admin/internal/handler"
	"github.com/Arnaldocloud/bingo-admin/internal/jobs"
	"github.com/Arnaldocloud/bingo-admin/internal/queue"
	"github.com/Arnaldocloud/bingo-admin/internal/repository"
	"github.com/Arnaldocloud/bingo-admin/internal/router"
	"github.com/Arnaldocloud/bingo-admin/internal/service"
)

func main() {
	// A missing .env is fine; docker-compose injects the same variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Env == "production" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	// Redis is optional: without it the service runs with caching and rate
	// limiting disabled rather than refusing to start.
	rdb := config.NewRedisClient()

	cards := repository.NewCardRepo(db)
	orders := repository.NewOrderRepo(db)
	publisher := service.NewRabbitPublisher(cfg.RabbitURL)
	svc := service.NewReservationService(cards, publisher, time.Duration(cfg.ReservationTTLMin)*time.Minute)

	sweeper := jobs.NewSweeper(svc, cfg.SweepIntervalSec)
	if err := sweeper.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("failed to start sweeper")
	}
	defer sweeper.Stop()

	go queue.StartNotificationConsumer(cfg.RabbitURL)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	router.RegisterRoutes(e)
	router.RegisterPublic(e, handler.NewCardHandler(svc), handler.NewCheckoutHandler(svc, orders), rdb)
	router.RegisterAdmin(e, handler.NewAdminHandler(cards, orders, svc, cfg), cfg.JWTSecret)

	addr := ":" + cfg.Port
	log.WithFields(log.Fields{"addr": addr, "env": cfg.Env}).Info("bingo-admin listening")
	if err := e.Start(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
