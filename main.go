// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vialab is a userspace daemon providing a fixed set of virtual devices, each
// backed by a bounded in-memory buffer. Devices are published through a
// facility, either as unix sockets speaking HTTP or as BUSE block devices.
//
// Project structure is following:
//
// - internal/vialab contains the devices, their handles and the registry
// owning them. Subpackages buffer and major hold the bounded buffer and the
// table of identifier ranges.
//
// - internal/facility contains the facilities publishing device nodes. Each
// facility implements vialab.Facility, the registry does not care which one
// is used.
//
// - internal/snapshot contains optional export of device buffers to S3 object
// storage. It is meant for diagnostics, nothing is ever restored from it.
//
// - internal/config contains configuration package which is common for all
// the parts.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/config"
	"github.com/asch/vialab/internal/facility/busefs"
	"github.com/asch/vialab/internal/facility/sockfs"
	"github.com/asch/vialab/internal/snapshot"
	"github.com/asch/vialab/internal/snapshot/objproxy"
	"github.com/asch/vialab/internal/snapshot/objproxy/s3"
	"github.com/asch/vialab/internal/vialab"
)

// Parse configuration from file and environment variables, creates the
// facility and initializes the registry with it. Devices live until the
// daemon is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if err := config.Validate(&config.Cfg); err != nil {
		log.Panic().Err(err).Send()
	}

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	facility, err := getFacility(config.Cfg.Facility)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	registry := vialab.NewRegistry(facility)

	err = registry.Initialize(vialab.Options{
		Name:        config.Cfg.Name,
		Count:       config.Cfg.Devices,
		Capacity:    config.Cfg.BufferSize,
		MaxTransfer: config.Cfg.BlockSize,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	ctx, cancel := context.WithCancel(context.Background())

	if config.Cfg.S3.Bucket != "" {
		proxy, err := runSnapshotter(ctx, registry)
		if err != nil {
			registry.Teardown()
			log.Panic().Err(err).Send()
		}
		defer proxy.Close()
	}

	waitForStop()

	cancel()
	registry.Teardown()
}

// Returns the facility selected by the configuration.
func getFacility(name string) (vialab.Facility, error) {
	if name == config.FacilityBuse {
		return busefs.New(busefs.Options{
			First:          config.Cfg.Buse.Major,
			Capacity:       config.Cfg.BufferSize,
			BlockSize:      int64(config.Cfg.Buse.BlockSize),
			Threads:        config.Cfg.Buse.Threads,
			QueueDepth:     int64(config.Cfg.Buse.QueueDepth),
			Scheduler:      config.Cfg.Buse.Scheduler,
			Durable:        config.Cfg.Buse.Durable,
			WriteChunkSize: int64(config.Cfg.Buse.ChunkSize),
			WriteShmSize:   int64(config.Cfg.Buse.WriteBufSize),
			ReadShmSize:    int64(config.Cfg.Buse.ReadBufSize),
			CollisionArea:  int64(config.Cfg.Buse.CollisionSize),
		})
	}

	return sockfs.New(config.Cfg.Sock.Dir), nil
}

// Connects to S3, registers SIGUSR1 handler taking a snapshot and starts
// periodic snapshots if configured. Returned proxy has to be closed at exit.
func runSnapshotter(ctx context.Context, registry *vialab.Registry) (*objproxy.ObjectProxy, error) {
	store, err := s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	proxy := objproxy.New(store, config.Cfg.S3.Uploaders)

	snapshotter, err := snapshot.New(registry, proxy)
	if err != nil {
		proxy.Close()
		return nil, err
	}

	registerSigUSR1Handler(ctx, snapshotter)

	if config.Cfg.S3.Interval > 0 {
		go snapshotter.Run(ctx, time.Duration(config.Cfg.S3.Interval)*time.Second)
	}

	return proxy, nil
}

// Take a snapshot whenever SIGUSR1 comes in.
func registerSigUSR1Handler(ctx context.Context, snapshotter *snapshot.Snapshotter) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigChan)
				return
			case <-sigChan:
				log.Info().Msg("Received SIGUSR1, taking snapshot!")
				snapshotter.Take(ctx, true)
			}
		}
	}()
}

// Block until SIGINT or SIGTERM came in.
func waitForStop() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	log.Info().Msgf("Received interrupt, removing %s devices!", config.Cfg.Name)
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
