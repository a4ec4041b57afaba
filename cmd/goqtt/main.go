package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/broker"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/transport"
)

type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Server  Server `yaml:"server"`
	Broker  Broker `yaml:"broker"`
	Logging Logging `yaml:"logging"`
}

type Server struct {
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// Broker surfaces the toggles behind broker.Options so an operator can pin
// down the three Open Question defaults without a rebuild.
type Broker struct {
	PublishOnPubrel   *bool `yaml:"publish_on_pubrel"`
	OverlappingSingle *bool `yaml:"overlapping_single"`
	DropQoS0          *bool `yaml:"drop_qos0"`
	KeepaliveSweep    string `yaml:"keepalive_sweep_interval"`
}

type Logging struct {
	Environment string `yaml:"environment"` // "development" or "production"
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func buildOptions(cfg Broker) []broker.Option {
	defaults := broker.DefaultOptions()
	return []broker.Option{
		broker.WithPublishOnPubrel(boolOr(cfg.PublishOnPubrel, defaults.PublishOnPubrel)),
		broker.WithOverlappingSingle(boolOr(cfg.OverlappingSingle, defaults.OverlappingSingle)),
		broker.WithDropQoS0(boolOr(cfg.DropQoS0, defaults.DropQoS0)),
	}
}

func gracefulShutdown(tcpServer *transport.TCPServer, sweeper *broker.KeepaliveSweeper, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	sweeper.Stop()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	done := make(chan struct{}, 1)
	var cfg Config

	raw, err := os.ReadFile("config.yml")
	if err != nil {
		log.Panicln("failed to read config from yaml file")
		return
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.Panicf("Failed to unmarshal yaml config: %v\n", err)
	}

	logConfig := logger.DevelopmentConfig()
	if cfg.Logging.Environment == "production" {
		logConfig = logger.ProductionConfig()
	}
	logger.InitGlobalLogger(logConfig)
	lg := logger.GetGlobalLogger()

	db, err := sql.Open("sqlite3", "./store/store.db")
	if err != nil {
		lg.Fatal("failed to open sqlite db", logger.ErrorAttr(err))
	}

	authStore := auth.New(db)

	b := broker.New(lg, authStore, buildOptions(cfg.Broker)...)

	sweepInterval := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Broker.KeepaliveSweep); err == nil && d > 0 {
		sweepInterval = d
	}
	sweeper := broker.NewKeepaliveSweeper(b, sweepInterval)
	sweeper.Start()

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, b, lg, cfg.Server.MaxConnections)

	go func() {
		if err := srv.Start(ctx); err != nil {
			lg.Fatal("server error", logger.ErrorAttr(err))
		}
	}()
	lg.Info("server started listening", logger.String("port", cfg.Server.Port))

	go gracefulShutdown(srv, sweeper, cancel, done)

	<-done
	lg.Info("graceful shutdown complete")
}
