package main

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/pterm/pterm"
	"github.com/spf13/viper"

	"github.com/meonardo/videoroom-rtc/admin"
	"github.com/meonardo/videoroom-rtc/internal/config"
	"github.com/meonardo/videoroom-rtc/internal/log"
	"github.com/meonardo/videoroom-rtc/internal/otel"
	"github.com/meonardo/videoroom-rtc/internal/validation"
	"github.com/meonardo/videoroom-rtc/internal/workflow"
	"github.com/meonardo/videoroom-rtc/media"
	"github.com/meonardo/videoroom-rtc/room"
	"github.com/meonardo/videoroom-rtc/signaling"
)

type Config struct {
	App   config.App   `mapstructure:"app"`
	Otel  otel.Config  `mapstructure:"otel"`
	Media media.Config `mapstructure:"media"`
	Admin admin.Config `mapstructure:"admin"`

	ServerURL  string `mapstructure:"server_url" validate:"required,url"`
	Room       int    `mapstructure:"room" validate:"required,min=1"`
	Display    string `mapstructure:"display" validate:"required"`
	Publish    bool   `mapstructure:"publish"`
	EnsureRoom bool   `mapstructure:"ensure_room"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("server_url", "ws://localhost:8188/janus")
		v.SetDefault("room", 1234)
		v.SetDefault("display", "gopher")
		v.SetDefault("publish", true)
		v.SetDefault("ensure_room", false)
		v.SetDefault("media.stun_servers", []string{"stun:stun.l.google.com:19302"})
		v.SetDefault("admin.base_url", "http://localhost:8088")
		v.SetDefault("admin.admin_key", "")

		config.Setup(v, "app")
		otel.Setup(v, "otel")
	})
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}
	if err := validation.Struct(cfg); err != nil {
		for _, ve := range validation.FormatValidationError(err) {
			pterm.Error.Printfln("config %s: %s", ve.Field, ve.Message)
		}
		log.Fatal("Invalid configuration", err)
	}

	logger, err := log.NewLogger(cfg.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	otelShutdown, err := otel.Init(ctx, &cfg.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}

	logger.Info("Videoroom client starting",
		log.String("server", cfg.ServerURL),
		log.Int("room", cfg.Room),
		log.String("display", cfg.Display))

	if cfg.EnsureRoom {
		adminAPI := admin.New(cfg.Admin, logger)
		if err := adminAPI.EnsureRoom(ctx, cfg.Room, "videoroom-rtc demo"); err != nil {
			logger.Fatal("Failed to ensure room", log.Error(err))
		}
		pterm.Success.Printfln("room %d ready", cfg.Room)
	}

	bus := room.NewBus(logger)
	engines := media.NewPionFactory(cfg.Media, logger)
	manager := room.NewManager(engines, bus, cfg.Display, cfg.Publish, logger)

	transport := signaling.NewWebSocketTransport(cfg.ServerURL, logger)
	client := signaling.NewClient(transport, manager, clockwork.NewRealClock(), logger)
	manager.Bind(client)

	events, unsubscribe := bus.Subscribe(64)
	go printEvents(events)

	clientCtx, cancel := context.WithCancel(ctx)
	if err := client.Connect(clientCtx); err != nil {
		logger.Fatal("Failed to connect", log.Error(err))
	}
	if err := manager.JoinRoom(cfg.Room); err != nil {
		logger.Fatal("Failed to join room", log.Error(err))
	}
	pterm.Info.Printfln("joining room %d as %q", cfg.Room, cfg.Display)

	cleanup := func(ctx context.Context) {
		if err := manager.LeaveRoom(); err != nil {
			logger.Debug("Leave room on shutdown", log.Error(err))
		}
		if err := client.Disconnect(); err != nil {
			logger.Error("Failed to disconnect", log.Error(err))
		}
		cancel()
		unsubscribe()
		if err := otelShutdown(ctx); err != nil {
			logger.Error("Failed to shutdown OTEL", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, cfg.App.ShutdownTimeout)
}

func printEvents(events <-chan room.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case room.SignalingStateChanged:
			pterm.Info.Printfln("signaling: %s", e.State)
		case room.RoomStateChanged:
			pterm.Success.Printfln("room: %s", e.State)
		case room.PublisherJoined:
			pub := e.Connection.Publisher()
			pterm.Success.Printfln("publisher joined: %s (feed %d, handle %d)",
				pub.Display, pub.ID, e.Connection.HandleID())
		case room.PublisherLeft:
			pub := e.Connection.Publisher()
			pterm.Warning.Printfln("publisher left: %s (feed %d)", pub.Display, pub.ID)
		case room.LocalCapturerCreated:
			pterm.Info.Printfln("local capturer ready")
		case room.ErrorReceived:
			pterm.Error.Printfln("janus: %s", e.Reason)
		}
	}
}
