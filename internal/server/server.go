// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package server owns the gateway process's lifecycle: binding the
// listener, restoring connectors, scheduling periodic flushes, and
// orchestrating graceful shutdown the way cmd/cc-backend's main loop does
// (listener + sync.WaitGroup + signal channel), generalized to the
// gateway's per-instance drain/flush/connector-stop sequence.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"

	"github.com/lakesync/gateway/internal/httpapi"
	"github.com/lakesync/gateway/internal/runtimeenv"
	"github.com/lakesync/gateway/pkg/log"
)

// Config tunes the process-level lifecycle knobs that don't belong to any
// one gateway instance.
type Config struct {
	Addr          string
	DrainTimeout  time.Duration
	FlushInterval time.Duration
	GopsEnabled   bool
}

// Server runs one HTTP listener serving every configured gateway instance.
type Server struct {
	cfg       Config
	api       *httpapi.Server
	gateways  map[string]*httpapi.Instance
	http      *http.Server
	scheduler gocron.Scheduler

	wg sync.WaitGroup
}

func New(cfg Config, api *httpapi.Server, gateways map[string]*httpapi.Instance) *Server {
	return &Server{
		cfg:      cfg,
		api:      api,
		gateways: gateways,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      api.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Run starts the server, blocks until SIGINT/SIGTERM, then drains and
// shuts everything down. It returns once shutdown has completed.
func (s *Server) Run() error {
	if s.cfg.GopsEnabled {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("server: gops/agent.Listen failed: %v", err)
		}
	}

	ctx := context.Background()
	for id, inst := range s.gateways {
		if inst.Connectors == nil {
			continue
		}
		if err := inst.Connectors.Restore(ctx); err != nil {
			log.Errorf("server: restore connectors for %s: %v", id, err)
		}
	}

	if err := s.startScheduler(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Infof("server: listening at %s", s.cfg.Addr)
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("server: Serve: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	runtimeenv.SystemdNotify(false, "shutting down")
	s.shutdown()
	s.wg.Wait()
	log.Info("server: graceful shutdown complete")
	return nil
}

func (s *Server) startScheduler() error {
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if _, err := sched.NewJob(gocron.DurationJob(interval), gocron.NewTask(s.flushAll)); err != nil {
		return err
	}
	s.scheduler = sched
	s.scheduler.Start()
	runtimeenv.SystemdNotify(true, "running")
	return nil
}

// flushAll runs the periodic flush for every configured instance. An
// instance with cluster coordination enabled must hold flush:<gatewayId>
// before flushing -- otherwise two instances sharing a gateway would both
// drain the buffer to the adapter concurrently -- and skips this cycle if
// another instance currently holds it.
func (s *Server) flushAll() {
	ctx := context.Background()
	for id, inst := range s.gateways {
		if inst.Flush == nil {
			continue
		}
		coord := inst.Gateway.Coordinator()
		if coord == nil {
			if err := inst.Gateway.Flush(inst.Flush); err != nil {
				log.Errorf("server: periodic flush for %s: %v", id, err)
			}
			continue
		}

		acquired, err := coord.TryAcquireFlushLock(ctx)
		if err != nil {
			log.Errorf("server: acquire flush lock for %s: %v", id, err)
			continue
		}
		if !acquired {
			log.Infof("server: skipping periodic flush for %s, lock held by another instance", id)
			continue
		}
		if err := inst.Gateway.Flush(inst.Flush); err != nil {
			log.Errorf("server: periodic flush for %s: %v", id, err)
		}
		if err := coord.ReleaseFlushLock(ctx); err != nil {
			log.Warnf("server: release flush lock for %s: %v", id, err)
		}
	}
}

// shutdown runs the drain sequence: stop accepting new work, wait for
// in-flight requests to finish (bounded by DrainTimeout), stop connectors
// and WebSocket sessions, do a final best-effort flush, then close the
// listener and every instance's resources.
func (s *Server) shutdown() {
	s.api.SetDraining(true)

	drainTimeout := s.cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	deadline := time.Now().Add(drainTimeout)
	for s.api.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	for id, inst := range s.gateways {
		if inst.Connectors != nil {
			inst.Connectors.Shutdown()
		}
		if inst.WS != nil {
			inst.WS.CloseAll()
		}
		if inst.Flush != nil {
			if err := inst.Gateway.Flush(inst.Flush); err != nil {
				log.Errorf("server: final flush for %s: %v", id, err)
			}
		}
	}

	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			log.Warnf("server: scheduler shutdown: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		log.Warnf("server: http shutdown: %v", err)
	}

	for id, inst := range s.gateways {
		if inst.Close == nil {
			continue
		}
		if err := inst.Close(); err != nil {
			log.Warnf("server: close resources for %s: %v", id, err)
		}
	}
}
