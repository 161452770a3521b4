package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ddugovic/tasbot/internal/config"
	"github.com/ddugovic/tasbot/internal/diag"
	"github.com/ddugovic/tasbot/internal/dispatch"
	"github.com/ddugovic/tasbot/internal/motif"
	"github.com/ddugovic/tasbot/internal/movie"
	"github.com/ddugovic/tasbot/internal/objectives"
	"github.com/ddugovic/tasbot/internal/repository/postgres"
	"github.com/ddugovic/tasbot/internal/search"
	"github.com/ddugovic/tasbot/pkg/emu"
)

const stepCacheSize = 100000

func main() {
	cfg := config.Load()
	emuPath := flag.String("emu", "", "emulator subprocess path (empty: built-in toy machine)")
	objectivesPath := flag.String("objectives", "", "objectives file (required)")
	motifsPath := flag.String("motifs", "", "motifs file; built from the seed movie when absent")
	seedMovie := flag.String("seed-movie", "", "reference movie to warm up from (required)")
	fastforward := flag.Int("fastforward", 0, "frames of the seed movie to replay before searching")
	seed := flag.Int64("seed", 1, "random seed")
	rounds := flag.Int("rounds", 0, "stop after this many rounds (0: run until signal)")
	diagDir := flag.String("diag", "", "directory for JSON diagnostics")
	listen := flag.String("listen", cfg.ListenAddr, "worker listen address (empty: evaluate locally)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *objectivesPath == "" || *seedMovie == "" {
		log.Fatal().Msg("-objectives and -seed-movie are required")
	}

	rng := rand.New(rand.NewSource(*seed))

	objs, err := objectives.Load(*objectivesPath, rng)
	if err != nil {
		log.Fatal().Err(err).Msg("Loading objectives failed")
	}
	seedInputs, err := movie.ReadInputs(*seedMovie)
	if err != nil {
		log.Fatal().Err(err).Msg("Loading seed movie failed")
	}

	var motifs *motif.Library
	motifsOut := *motifsPath
	if *motifsPath != "" {
		if motifs, err = motif.Load(*motifsPath, rng); err != nil {
			log.Fatal().Err(err).Msg("Loading motifs failed")
		}
	} else {
		motifs = motif.New(rng)
		motifs.AddInputs(seedInputs, *fastforward)
		// Persist the built library so workers can load the same one.
		motifsOut = cfg.Game + ".motifs"
		if err := motifs.Save(motifsOut); err != nil {
			log.Fatal().Err(err).Str("path", motifsOut).Msg("Saving built motifs failed")
		}
		log.Info().Str("path", motifsOut).Msg("Motif library built from the seed movie")
	}
	log.Info().
		Int("objectives", objs.Len()).
		Int("motifs", motifs.Len()).
		Int("seedFrames", len(seedInputs)).
		Msg("Search inputs loaded")

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	var dispatcher search.Dispatcher
	if *listen != "" {
		tokens := dispatch.NewTokenManager(cfg.WorkerSecret)
		hub := dispatch.NewHub(tokens)
		token, err := tokens.Generate("worker")
		if err != nil {
			log.Fatal().Err(err).Msg("Minting worker token failed")
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		go func() {
			log.Info().Str("addr", *listen).Str("token", token).Msg("Accepting workers")
			if err := http.ListenAndServe(*listen, mux); err != nil {
				log.Error().Err(err).Msg("Worker listener failed")
			}
		}()
		dispatcher = hub
	}

	var archive search.Archiver
	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Database connection failed")
		}
		defer db.Close()
		arch := postgres.NewArchive(db, cfg.Game)
		if err := arch.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Archive schema failed")
		}
		archive = arch
	}

	var recorder *diag.Recorder
	if *diagDir != "" {
		recorder = diag.New(*diagDir)
	}

	engine, err := search.New(search.Options{
		Game:       cfg.Game,
		MoviePath:  cfg.MoviePath,
		Emu:        caching,
		Objectives: objs,
		Motifs:     motifs,
		Dispatcher: dispatcher,
		Archive:    archive,
		Diag:       recorder,
		Seed:       *seed,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Engine setup failed")
	}
	if err := engine.Warmup(seedInputs, *fastforward); err != nil {
		log.Fatal().Err(err).Msg("Warmup failed")
	}

	if *rounds > 0 {
		for i := 0; i < *rounds && ctx.Err() == nil; i++ {
			if err := engine.Round(ctx); err != nil {
				log.Fatal().Err(err).Msg("Search round failed")
			}
		}
	} else if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Search failed")
	}

	if err := engine.SaveMovie(); err != nil {
		log.Error().Err(err).Msg("Final movie save failed")
	}
	if err := motifs.Save(motifsOut); err != nil {
		log.Error().Err(err).Str("path", motifsOut).Msg("Motif save failed")
	}
	if err := recorder.Flush(); err != nil {
		log.Error().Err(err).Msg("Diagnostics flush failed")
	}
	if err := recorder.WriteMotifHistory(motifs); err != nil {
		log.Error().Err(err).Msg("Motif history write failed")
	}
	log.Info().Uint64("rounds", engine.Rounds()).Msg("Search stopped")
}
