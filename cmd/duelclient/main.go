// Package main is a headless, line-oriented duel client. It plays against
// PostgreSQL and the relay, or entirely in-process with -offline, where two
// local players share a memory store and hub.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/client"
	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/board"
	"github.com/cory-johannsen/duel/internal/observability"
	"github.com/cory-johannsen/duel/internal/realtime/hub"
	"github.com/cory-johannsen/duel/internal/realtime/wsclient"
	"github.com/cory-johannsen/duel/internal/storage/memory"
	"github.com/cory-johannsen/duel/internal/storage/postgres"
)

const (
	startingGold  = 200
	startingLives = 20
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to configuration file")
	offline := flag.Bool("offline", false, "run two local players in-process")
	name := flag.String("name", "player", "username shown to the opponent")
	flag.Parse()

	_ = godotenv.Load()

	var (
		cfg config.Config
		err error
	)
	if *offline {
		cfg, err = config.LoadFromViper(config.Defaults())
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err == nil {
		err = cfg.RequireMode("client")
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	var players []*player
	if *offline {
		store := memory.New()
		h := hub.New(logger, cfg.Relay.SendBuffer)
		backend := client.Backend{
			Rooms:     store,
			Feed:      store,
			Dialer:    hub.NewDialer(h),
			Actions:   store,
			Snapshots: store,
		}
		players = []*player{
			newPlayer("alice", backend, cfg.Sync, logger),
			newPlayer("bob", backend, cfg.Sync, logger),
		}
	} else {
		pool, err := postgres.Connect(ctx, cfg.Database, 30*time.Second, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
		feed := postgres.NewChangeFeed(pool.DB(), logger)
		defer feed.Close()
		backend := client.Backend{
			Rooms:     postgres.NewRoomRepository(pool.DB()),
			Feed:      feed,
			Dialer:    wsclient.NewDialer(cfg.Relay, logger),
			Actions:   postgres.NewActionRepository(pool.DB()),
			Snapshots: postgres.NewSnapshotRepository(pool.DB()),
		}
		players = []*player{newPlayer(*name, backend, cfg.Sync, logger)}
	}

	c := &console{players: players, out: os.Stdout}
	c.printf("%s ready; type 'help' for commands\n", c.active().name)
	in := bufio.NewScanner(os.Stdin)
	for c.prompt(); in.Scan(); c.prompt() {
		if !c.run(ctx, in.Text()) {
			break
		}
	}
	for _, p := range players {
		if err := p.client.Close(ctx); err != nil {
			logger.Warn("closing client", zap.String("player", p.name), zap.Error(err))
		}
	}
}

// player is one local seat: identity, simulated board and client.
type player struct {
	name   string
	id     string
	roomID string
	board  *board.Board
	client *client.Client
}

func newPlayer(name string, b client.Backend, sync config.SyncConfig, logger *zap.Logger) *player {
	bd := board.New(startingGold, startingLives, logger)
	return &player{
		name:   name,
		id:     uuid.NewString(),
		board:  bd,
		client: client.New(b, client.Game{Handler: bd, Source: bd, Policy: bd}, sync, logger.With(zap.String("player", name))),
	}
}

func (p *player) String() string {
	return fmt.Sprintf("%s (%s)", p.name, p.id[:8])
}

var _ fmt.Stringer = (*player)(nil)
