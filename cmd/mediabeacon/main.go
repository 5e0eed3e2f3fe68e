// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/mediabeacon/mediabeacon/lib/announce"
	"github.com/mediabeacon/mediabeacon/lib/config"
	"github.com/mediabeacon/mediabeacon/lib/discover"
	"github.com/mediabeacon/mediabeacon/lib/events"
	"github.com/mediabeacon/mediabeacon/lib/logger"
	"github.com/mediabeacon/mediabeacon/lib/ssdp"
	"github.com/mediabeacon/mediabeacon/lib/svcutil"
	"github.com/mediabeacon/mediabeacon/lib/upnp"
)

const (
	mediaRendererURN = "urn:schemas-upnp-org:device:MediaRenderer:1"
	mediaServerURN   = "urn:schemas-upnp-org:device:MediaServer:1"

	interfacePollInterval = 30 * time.Second
)

var l = logger.DefaultLogger.NewFacility("main", "Main run facility")

type cli struct {
	Config       string `help:"Configuration file path." default:"mediabeacon.xml" type:"path" placeholder:"PATH"`
	GenerateOnly bool   `name:"generate" help:"Write the default configuration file and exit."`
	Metrics      string `help:"Prometheus metrics listen address (empty disables)." placeholder:"ADDR"`
	Verbose      bool   `short:"v" help:"Enable debug output for all facilities."`
	Version      bool   `help:"Print version and exit."`
}

const version = "1.0.0"

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("mediabeacon"),
		kong.Description("SSDP/UPnP discovery and advertisement daemon."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(c))
}

func run(c cli) error {
	if c.Version {
		fmt.Printf("mediabeacon %s\n", version)
		return nil
	}

	if c.Verbose {
		for facility := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(facility, true)
		}
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.GenerateOnly {
		if err := cfg.Save(c.Config); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		l.Infoln("Wrote default configuration to", c.Config)
		return nil
	}

	evLogger := events.NewLogger()
	evLogger.Log(events.Starting, map[string]interface{}{"version": version})

	intfs, err := ssdp.ListInterfaces()
	if err != nil {
		return fmt.Errorf("listing interfaces: %w", err)
	}
	engine := ssdp.GetOrCreate(cfg.Options, intfs, evLogger)

	sup := suture.New("main", svcutil.SpecWithDebugLogger(l))

	renderers := discover.NewLocator(engine, evLogger, mediaRendererURN, cfg.Options)
	servers := discover.NewLocator(engine, evLogger, mediaServerURN, cfg.Options)
	sup.Add(renderers)
	sup.Add(servers)

	// After a few initial cycles the network has been swept; drop to the
	// steady state search interval.
	settle := 4 * time.Duration(cfg.Options.InitialSearchIntervalS) * time.Second
	slowTimer := time.AfterFunc(settle, func() {
		renderers.SlowDown()
		servers.SlowDown()
	})
	defer slowTimer.Stop()

	if cfg.Options.EnableAdvertising {
		root, err := ownDevice(cfg.Options)
		if err != nil {
			return fmt.Errorf("advertising: %w", err)
		}
		pub := announce.NewPublisher(engine, evLogger, cfg.Options)
		pub.AddDevice(root)
		sup.Add(pub)
		l.Infoln("Advertising", root)
	}

	sup.Add(svcutil.AsService(func(ctx context.Context) error {
		return watchInterfaces(ctx, engine)
	}, "main/interfaceWatcher"))
	sup.Add(svcutil.AsService(func(ctx context.Context) error {
		return logDiscoveryEvents(ctx, evLogger)
	}, "main/eventLog"))

	if c.Metrics != "" {
		sup.Add(svcutil.AsService(func(ctx context.Context) error {
			return serveMetrics(ctx, c.Metrics)
		}, "main/metrics"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l.Infoln("Startup complete")
	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	l.Infoln("Exiting")
	return err
}

// ownDevice builds the root device we advertise, from the configuration.
func ownDevice(opts config.OptionsConfiguration) (*upnp.RootDevice, error) {
	if opts.DescriptionURL == "" {
		return nil, errors.New("no description URL configured")
	}
	loc, err := url.Parse(opts.DescriptionURL)
	if err != nil {
		return nil, fmt.Errorf("description URL: %w", err)
	}
	root := upnp.NewRootDevice("MediaServer", opts.FriendlyName, opts.UUID,
		time.Duration(opts.AnnounceCacheLifetimeS)*time.Second, loc, nil)
	if err := root.AddChild(upnp.NewService("ContentDirectory", root.UUID)); err != nil {
		return nil, err
	}
	return root, nil
}

// watchInterfaces periodically re-polls the OS interface list and hands any
// change to the engine, which restarts its sockets as needed.
func watchInterfaces(ctx context.Context, engine *ssdp.Engine) error {
	ticker := time.NewTicker(interfacePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			intfs, err := ssdp.ListInterfaces()
			if err != nil {
				l.Debugln("interface poll:", err)
				continue
			}
			engine.UpdateInterfaces(intfs)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func logDiscoveryEvents(ctx context.Context, evLogger events.Logger) error {
	sub := evLogger.Subscribe(events.DeviceDiscovered | events.DeviceLost | events.TopologyChanged)
	defer evLogger.Unsubscribe(sub)
	for {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case events.DeviceDiscovered:
				l.Infoln("Discovered", ev.Data)
			case events.DeviceLost:
				l.Infoln("Lost", ev.Data)
			case events.TopologyChanged:
				l.Infoln("Network topology changed; listeners restarted")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	l.Infoln("Metrics listener on", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
