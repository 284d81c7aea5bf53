package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/internal/logging"
	"github.com/pressroom-dev/pressroom/remote"
	"github.com/pressroom-dev/pressroom/store"
)

func main() {
	cfgPath := flag.String("config", "pressroom.yaml", "Path to configuration file")
	file := flag.String("file", "", "JSON file with posts to seed instead of the samples")
	drop := flag.Bool("drop", false, "Delete existing posts before seeding")
	notify := flag.Bool("notify", false, "Ask a running instance to revalidate after seeding")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, cleanup, err := logging.Setup("pressroom-seed", cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()

	posts := store.SamplePosts()
	if *file != "" {
		posts, err = readPosts(*file)
		if err != nil {
			logger.Fatal().Err(err).Str("file", *file).Msg("failed to read posts")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := store.NewMongo(cfg.Storage, logger, nil)
	defer st.Close()

	if *drop {
		existing, err := st.List(ctx, true)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to list existing posts")
		}
		for _, post := range existing {
			if err := st.Delete(ctx, post.Slug); err != nil {
				logger.Fatal().Err(err).Str("slug", post.Slug).Msg("failed to delete post")
			}
		}
		logger.Info().Int("posts", len(existing)).Msg("dropped existing posts")
	}

	seeded := 0
	for _, post := range posts {
		created, err := st.Create(ctx, post)
		if err != nil {
			if errors.Is(err, store.ErrSlugTaken) {
				logger.Warn().Str("slug", post.Slug).Msg("slug already present, skipping")
				continue
			}
			logger.Fatal().Err(err).Str("slug", post.Slug).Msg("failed to create post")
		}
		logger.Debug().Str("slug", created.Slug).Msg("seeded post")
		seeded++
	}
	logger.Info().Int("posts", seeded).Msg("seeding complete")

	if *notify {
		rebuilt, err := requestRevalidation(ctx, cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("revalidation request failed")
			return
		}
		logger.Info().Int("pages", rebuilt).Msg("requested revalidation")
	}
}

func readPosts(path string) ([]store.Post, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var posts []store.Post
	if err := json.Unmarshal(raw, &posts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%s contains no posts", path)
	}
	return posts, nil
}

func requestRevalidation(ctx context.Context, cfg *config.Config) (int, error) {
	addr := cfg.ListenAddr()
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	client, err := remote.New("http://"+addr, remote.WithSecret(cfg.Admin.RevalidateSecret))
	if err != nil {
		return 0, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Revalidate(reqCtx, "")
}
