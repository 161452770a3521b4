package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ddugovic/tasbot/internal/config"
	"github.com/ddugovic/tasbot/internal/dispatch"
	"github.com/ddugovic/tasbot/internal/motif"
	"github.com/ddugovic/tasbot/internal/objectives"
	"github.com/ddugovic/tasbot/internal/search"
	"github.com/ddugovic/tasbot/pkg/emu"
)

const stepCacheSize = 100000

func main() {
	serverURL := flag.String("url", "ws://localhost:8009/ws", "hub WebSocket URL")
	token := flag.String("token", "", "worker token (empty: mint one from the shared secret)")
	workerID := flag.String("id", "", "worker identity (default: pid-based)")
	emuPath := flag.String("emu", "", "emulator subprocess path (empty: built-in toy machine)")
	objectivesPath := flag.String("objectives", "", "objectives file (required)")
	motifsPath := flag.String("motifs", "", "motifs file (required)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.Load()
	if *objectivesPath == "" || *motifsPath == "" {
		log.Fatal().Msg("-objectives and -motifs are required")
	}
	id := *workerID
	if id == "" {
		id = fmt.Sprintf("worker-%d", os.Getpid())
	}

	// Worker-side sampling state only feeds the improve strategies, which
	// reseed from each request; the process seed does not matter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	objs, err := objectives.Load(*objectivesPath, rng)
	if err != nil {
		log.Fatal().Err(err).Msg("Loading objectives failed")
	}
	motifs, err := motif.Load(*motifsPath, rng)
	if err != nil {
		log.Fatal().Err(err).Msg("Loading motifs failed")
	}

	var inner emu.Emulator
	if *emuPath != "" {
		remote, err := emu.NewRemote(*emuPath, 30*time.Second)
		if err != nil {
			log.Fatal().Err(err).Str("path", *emuPath).Msg("Starting emulator failed")
		}
		defer remote.Close()
		inner = remote
	} else {
		inner = emu.NewToy()
	}
	caching := emu.NewCaching(inner, stepCacheSize)
	defer caching.LogStats()

	tok := *token
	if tok == "" {
		tok, err = dispatch.NewTokenManager(cfg.WorkerSecret).Generate(id)
		if err != nil {
			log.Fatal().Err(err).Msg("Minting token failed")
		}
	}

	var shared *dispatch.SharedCache
	if cfg.RedisURL != "" {
		if shared, err = dispatch.NewSharedCache(cfg.RedisURL); err != nil {
			log.Fatal().Err(err).Msg("Shared cache connection failed")
		}
		defer shared.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	eval := &search.Evaluator{Objectives: objs, Motifs: motifs, Emu: caching}
	worker := dispatch.NewWorker(id, eval, shared)

	// Reconnect with backoff until canceled so a hub restart does not
	// strand the fleet.
	backoff := time.Second
	for ctx.Err() == nil {
		err := worker.Run(ctx, *serverURL, tok)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("Connection lost, reconnecting")
		} else {
			log.Info().Dur("backoff", backoff).Msg("Hub closed connection, reconnecting")
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}

	hits, misses := worker.Stats()
	log.Info().Uint64("hits", hits).Uint64("misses", misses).Msg("Worker stopped")
}
