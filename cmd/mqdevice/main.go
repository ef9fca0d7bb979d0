// Command mqdevice is the device-side agent: it connects to the
// broker via internal/mqttclient, dispatches remote commands via
// internal/mqrepl and internal/handlers, and streams its deferred log
// buffer (internal/logbuffer) back once connected. Flag/config
// layering uses cobra for the command line and viper for the
// underlying config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tve/mqboard/internal/config"
	"github.com/tve/mqboard/internal/handlers"
	"github.com/tve/mqboard/internal/logbuffer"
	"github.com/tve/mqboard/internal/mqrepl"
	"github.com/tve/mqboard/internal/mqttclient"
	"github.com/tve/mqboard/internal/wire"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mqdevice",
	Short: "Run the mqboard device agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a mqboard.yaml config file")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("mqdevice: exiting")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}

	buf := logbuffer.Init(logbuffer.SeverityInfo, 8192)
	log.AddHook(buf)

	client := mqttclient.New(mqttclient.Config{
		Server:       cfg.Server,
		Port:         cfg.Port,
		ClientID:     []byte(cfg.ClientID),
		UserName:     []byte(cfg.User),
		Password:     []byte(cfg.Password),
		CleanSession: cfg.Clean,
		ResponseTime: cfg.ResponseTimeDuration(),
		KeepAlive:    cfg.KeepAliveDuration(),
		Will:         will(cfg),
		Transport:    cfg.Transport,
	})

	dispatcher, err := mqrepl.New(cfg.Prefix, client, cfg.WorkerPool)
	if err != nil {
		return fmt.Errorf("mqdevice: %w", err)
	}
	defer dispatcher.Close()

	registerHandlers(dispatcher, cfg)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("mqdevice: connecting: %w", err)
	}
	defer client.Stop()

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("mqdevice: subscribing: %w", err)
	}

	logTopic := []byte(cfg.Prefix + "/log")
	go buf.Run(ctx, client, logTopic)

	<-ctx.Done()
	return nil
}

func registerHandlers(d *mqrepl.Dispatcher, cfg *config.Config) {
	d.Handle("eval", handlers.Eval)
	d.Handle("exec", handlers.Eval)

	root := handlers.FileRoot(cfg.FileRoot)
	d.Handle("get", root.Get)
	d.Handle("put", handlers.NewPutWriters(root).Put)

	ota := handlers.NewOTA(cfg.OTADir)
	d.Handle("ota", ota.Update)
}

func will(cfg *config.Config) *wire.Will {
	if cfg.WillTopic == "" {
		return nil
	}
	return &wire.Will{
		Topic:   []byte(cfg.WillTopic),
		Message: []byte(cfg.WillMessage),
		QoS:     cfg.WillQoS,
		Retain:  cfg.WillRetain,
	}
}
