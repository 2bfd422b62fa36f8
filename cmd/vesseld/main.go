package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vesselvm/vessel/internal/monitor"
	"github.com/vesselvm/vessel/internal/monitor/image"
	"github.com/vesselvm/vessel/internal/monitor/image/linux"
	"github.com/vesselvm/vessel/internal/monitor/substrate"
	"github.com/vesselvm/vessel/internal/monitor/substrate/loopback"
	"github.com/vesselvm/vessel/internal/server/app"
	"github.com/vesselvm/vessel/internal/server/config"
	"github.com/vesselvm/vessel/internal/server/eventbus/memory"
	"github.com/vesselvm/vessel/internal/server/httpapi"
	"github.com/vesselvm/vessel/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("vesseld")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	images, err := loadImages(cfg, logger)
	if err != nil {
		logger.Error("load guest images", "error", err)
		os.Exit(1)
	}

	serialCh := substrate.Channel(cfg.SerialChannel)

	// No real separation platform on this host: run the guest session
	// against the in-process backend.
	logger.Warn("using loopback substrate")
	sub := loopback.New(serialCh)
	controller := loopback.NewController()

	bus := memory.New()

	mon, err := monitor.New(monitor.Params{
		Logger: logger,
		RAM:    make([]byte, cfg.GuestRAMSize),
		Placement: image.Placement{
			RAMBase:    cfg.GuestRAMBase,
			RAMSize:    cfg.GuestRAMSize,
			DTBAddr:    cfg.DTBAddr,
			InitrdAddr: cfg.InitrdAddr,
		},
		Images:        images,
		Loader:        linux.New(),
		Controller:    controller,
		Faults:        loopback.FaultHandler{},
		Substrate:     sub,
		Bus:           bus,
		SerialChannel: serialCh,
		SerialIRQ:     cfg.SerialIRQ,
	})
	if err != nil {
		logger.Error("construct monitor", "error", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, logger, mon, httpapi.New(logger, mon, bus))
	if err != nil {
		logger.Error("construct app", "error", err)
		os.Exit(1)
	}

	// Simulated serial device: raise an edge once a second and let the
	// monitor forward whichever edges the source actually latches.
	go sub.Pulse(ctx, serialCh, time.Second, mon.Notified)

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func loadImages(cfg config.ServerConfig, logger *slog.Logger) (image.Set, error) {
	kernel, err := os.ReadFile(cfg.KernelPath)
	if err != nil {
		return image.Set{}, err
	}
	dtb, err := os.ReadFile(cfg.DTBPath)
	if err != nil {
		return image.Set{}, err
	}
	var initrd []byte
	if cfg.InitrdPath != "" {
		if initrd, err = os.ReadFile(cfg.InitrdPath); err != nil {
			return image.Set{}, err
		}
	} else {
		logger.Warn("booting without an initrd")
	}
	return image.Set{Kernel: kernel, DTB: dtb, Initrd: initrd}, nil
}
