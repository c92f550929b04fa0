package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/chriscod3/code-collab/internal/bootstrap"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (environment variables override it)")
	port := pflag.StringP("port", "p", "", "HTTP listen port, overrides SERVER_PORT")
	pflag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.ServerPort = *port
	}

	// 初始化并运行 App
	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}

	app.Start()

	// 设置优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutdown signal received...")

	app.Shutdown()
}
