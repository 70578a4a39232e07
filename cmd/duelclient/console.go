package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/duel/internal/game/action"
	"github.com/cory-johannsen/duel/internal/game/room"
)

const help = `commands:
  create                      open a room and wait for an opponent
  join CODE                   take the free seat in room CODE
  ready | unready             toggle your ready flag
  start                       start the game (host only, both ready)
  move X Y                    move your hero
  build TYPE X Y              place a tower
  upgrade TOWER LEVEL         change a tower's level
  spawn TYPE LANE COUNT       send enemies to the opponent
  state                       show the room and your board
  switch                      act as the other local player (offline)
  leave                       disconnect from the room
  quit`

// console reads commands for the active local player and prints room events
// for every player.
type console struct {
	players []*player
	current int

	mu  sync.Mutex
	out io.Writer

	wired bool
}

func (c *console) active() *player {
	return c.players[c.current]
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) prompt() {
	c.wire()
	c.printf("%s> ", c.active().name)
}

// wire subscribes to room events once, on the first prompt.
func (c *console) wire() {
	if c.wired {
		return
	}
	c.wired = true
	for _, p := range c.players {
		p.client.OnPlayerJoined(func(rp room.Player) {
			c.printf("\n[%s] %s joined as player %d\n", p.name, rp.Username, rp.PlayerNumber)
		})
		p.client.OnPlayerDisconnected(func(id string) {
			c.printf("\n[%s] player %s disconnected\n", p.name, id)
		})
		p.client.OnRoomStatusChanged(func(r room.Room) {
			c.printf("\n[%s] room %s is now %s\n", p.name, r.Code, r.Status)
		})
		p.client.OnGameAction(func(a action.GameAction) {
			c.printf("\n[%s] opponent: %s\n", p.name, a.Type)
		})
		p.client.OnConnectionLost(func(err error) {
			c.printf("\n[%s] connection lost: %v\n", p.name, err)
		})
	}
}

// run executes one command line and reports whether to keep reading.
func (c *console) run(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	if cmd == "quit" || cmd == "exit" {
		return false
	}
	if err := c.exec(ctx, cmd, args); err != nil {
		c.printf("error: %v\n", err)
	}
	return true
}

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	p := c.active()
	switch cmd {
	case "help":
		c.printf("%s\n", help)
	case "create":
		r, _, err := p.client.CreateRoom(ctx, p.id, p.name)
		if err != nil {
			return err
		}
		p.roomID = r.ID
		c.printf("room %s created; share code %s\n", r.ID, r.Code)
	case "join":
		if len(args) != 1 {
			return fmt.Errorf("usage: join CODE")
		}
		r, seat, err := p.client.JoinRoom(ctx, args[0], p.id, p.name)
		if err != nil {
			return err
		}
		p.roomID = r.ID
		c.printf("joined room %s as player %d\n", r.Code, seat.PlayerNumber)
	case "ready", "unready":
		if err := c.needRoom(p); err != nil {
			return err
		}
		return p.client.SetPlayerReady(ctx, p.roomID, p.id, cmd == "ready")
	case "start":
		if err := c.needRoom(p); err != nil {
			return err
		}
		_, err := p.client.StartGame(ctx, p.roomID, p.id)
		return err
	case "move":
		pt, err := point(args, 0)
		if err != nil {
			return fmt.Errorf("usage: move X Y: %w", err)
		}
		return c.send(ctx, p, action.HeroMove{HeroID: p.id, Position: pt})
	case "build":
		if len(args) != 3 {
			return fmt.Errorf("usage: build TYPE X Y")
		}
		pt, err := point(args, 1)
		if err != nil {
			return fmt.Errorf("usage: build TYPE X Y: %w", err)
		}
		id := "tower-" + uuid.NewString()[:8]
		return c.send(ctx, p, action.BuildTower{TowerID: id, TowerType: args[0], Position: pt})
	case "upgrade":
		if len(args) != 2 {
			return fmt.Errorf("usage: upgrade TOWER LEVEL")
		}
		level, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		return c.send(ctx, p, action.UpgradeTower{TowerID: args[0], Level: level})
	case "spawn":
		if len(args) != 3 {
			return fmt.Errorf("usage: spawn TYPE LANE COUNT")
		}
		lane, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("lane: %w", err)
		}
		count, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		return c.send(ctx, p, action.SpawnEnemy{EnemyType: args[0], Lane: lane, Count: count})
	case "state":
		if p.roomID != "" {
			d, err := p.client.GetRoomDetails(ctx, p.roomID)
			if err != nil {
				return err
			}
			c.printf("room %s status=%s players=%d/%d\n", d.Room.Code, d.Room.Status, d.Room.CurrentPlayerCount, d.Room.MaxPlayers)
			for _, rp := range d.Players {
				c.printf("  #%d %s ready=%v health=%d\n", rp.PlayerNumber, rp.Username, rp.IsReady, rp.Health)
			}
		}
		c.printf("board: %s\n", p.board)
	case "switch":
		if len(c.players) < 2 {
			return fmt.Errorf("switch needs -offline")
		}
		c.current = (c.current + 1) % len(c.players)
		c.printf("now acting as %s\n", c.active())
	case "leave":
		if err := p.client.Disconnect(ctx); err != nil {
			return err
		}
		p.roomID = ""
	default:
		return fmt.Errorf("unknown command %q; type 'help'", cmd)
	}
	return nil
}

func (c *console) needRoom(p *player) error {
	if p.roomID == "" {
		return fmt.Errorf("%s is not in a room", p.name)
	}
	return nil
}

// send relays payload and applies it to the sender's own board.
func (c *console) send(ctx context.Context, p *player, payload action.Payload) error {
	a, err := p.client.SendAction(ctx, payload)
	if a.ID != "" {
		action.Apply(p.board, a)
	}
	if err != nil {
		return err
	}
	c.printf("sent %s #%d\n", a.Type, a.Sequence)
	return nil
}

func point(args []string, at int) (action.Point, error) {
	if len(args) < at+2 {
		return action.Point{}, fmt.Errorf("missing coordinates")
	}
	x, err := strconv.ParseFloat(args[at], 64)
	if err != nil {
		return action.Point{}, err
	}
	y, err := strconv.ParseFloat(args[at+1], 64)
	if err != nil {
		return action.Point{}, err
	}
	return action.Point{X: x, Y: y}, nil
}
