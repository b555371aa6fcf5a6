// chessboard is the turn-based chess client. Games live in the shared
// row store; moves arrive from the opponent over the broadcast stream.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avoronov/syncboard/internal/app"
	"github.com/avoronov/syncboard/internal/board"
	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/game"
)

func main() {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	session := game.NewSession(game.SessionOptions{
		Games:      a.Store.Games(),
		Moves:      a.Store.Moves(),
		Stream:     a.Stream,
		PlayerID:   a.Identity.PlayerID(),
		GameTimeMs: a.Cfg.GameTimeMs,
		Notify:     func(msg string) { fmt.Printf("\n* %s\n> ", msg) },
	})
	defer session.Close()

	cli := &cli{app: a, session: session, renderer: board.NewRenderer()}

	fmt.Printf("chessboard, playing as %s (type 'help')\n", a.Identity.Username())
	cli.repl(ctx)
}

type cli struct {
	app      *app.App
	session  *game.Session
	renderer *board.Renderer
}

func (c *cli) repl(ctx context.Context) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		fmt.Print("> ")
		select {
		case <-sigCh:
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.dispatch(ctx, strings.Fields(strings.TrimSpace(line))); quit {
				return
			}
		}
	}
}

func (c *cli) dispatch(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "help":
		printHelp()
	case "new":
		err = c.cmdNew(ctx)
	case "join":
		err = c.cmdJoin(ctx, args[1:])
	case "list":
		err = c.cmdList(ctx)
	case "move":
		err = c.cmdMove(ctx, args[1:])
	case "promote":
		err = c.cmdPromote(ctx, args[1:])
	case "resign":
		err = c.session.Resign(ctx)
	case "board":
		err = c.cmdBoard(args[1:])
	case "status":
		c.cmdStatus()
	case "name":
		err = c.cmdName(ctx, args[1:])
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q (type 'help')\n", args[0])
	}
	if err != nil {
		c.report(err)
	}
	return false
}

func (c *cli) report(err error) {
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		fmt.Println("it is not your turn")
	case errors.Is(err, game.ErrIllegalMove):
		fmt.Println("illegal move")
	case errors.Is(err, game.ErrPromotionRequired):
		fmt.Println("promotion: pick a piece with 'promote q|r|b|n'")
	case errors.Is(err, game.ErrSeatTaken):
		fmt.Println("seat already taken, watching instead")
	case errors.Is(err, game.ErrNoGame):
		fmt.Println("no game loaded ('new' or 'join <id>')")
	case errors.Is(err, game.ErrGameOver):
		fmt.Println("the game is over")
	case errors.Is(err, game.ErrNotSeated):
		fmt.Println("you are watching this game")
	default:
		fmt.Printf("error: %v\n", err)
	}
}

func (c *cli) cmdNew(ctx context.Context) error {
	g, err := c.session.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("game %s created, waiting for an opponent\n", g.ID)
	return nil
}

func (c *cli) cmdJoin(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: join <game-id>")
	}
	g, err := c.session.Join(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("joined game %s as %s\n", g.ID, c.session.Seat())
	return nil
}

func (c *cli) cmdList(ctx context.Context) error {
	games, err := c.session.ListOpen(ctx)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		fmt.Println("no open games")
		return nil
	}
	for _, g := range games {
		fmt.Printf("%s  %-8s  created %s\n",
			g.ID, g.Status, g.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// cmdMove accepts "move e2e4", "move e2 e4" and "move e7e8q".
func (c *cli) cmdMove(ctx context.Context, args []string) error {
	from, to, promo, err := parseMove(args)
	if err != nil {
		return err
	}
	result, err := c.session.AttemptMove(ctx, from, to, promo)
	if err != nil {
		return err
	}
	fmt.Printf("played %s\n", result.SAN)
	return nil
}

func (c *cli) cmdPromote(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: promote q|r|b|n")
	}
	result, err := c.session.CompletePromotion(ctx, strings.ToLower(args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("played %s\n", result.SAN)
	return nil
}

func (c *cli) cmdBoard(args []string) error {
	g := c.session.Game()
	if g == nil {
		return game.ErrNoGame
	}
	path := "board.png"
	if len(args) > 0 {
		path = args[0]
	}
	flipped := c.session.Seat() == domain.Black
	img, err := c.renderer.Render(c.session.Position(), flipped)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func (c *cli) cmdStatus() {
	g := c.session.Game()
	if g == nil {
		fmt.Println("no game loaded")
		return
	}
	white, black := c.session.Clocks()
	fmt.Printf("game %s  status=%s  turn=%s\n", g.ID, g.Status, g.Turn)
	fmt.Printf("white %s  black %s\n", fmtClock(white), fmtClock(black))
	if seat := c.session.Seat(); seat != "" {
		fmt.Printf("you play %s\n", seat)
	} else {
		fmt.Println("you are watching")
	}
	if g.Status == domain.StatusFinished {
		fmt.Printf("result: %s (%s)\n", g.Winner, g.Reason)
	}
	if moves := c.session.Moves(); len(moves) > 0 {
		last := moves[len(moves)-1]
		fmt.Printf("last move: %s%s (#%d)\n", last.FromSquare, last.ToSquare, last.MoveNumber)
	}
}

func (c *cli) cmdName(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Printf("you are %s\n", c.app.Identity.Username())
		return nil
	}
	if err := c.app.Identity.Rename(ctx, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Printf("renamed to %s\n", c.app.Identity.Username())
	return nil
}

func parseMove(args []string) (from, to, promo string, err error) {
	switch len(args) {
	case 1:
		uci := strings.ToLower(args[0])
		if len(uci) != 4 && len(uci) != 5 {
			return "", "", "", fmt.Errorf("usage: move e2e4 | move e2 e4 [q]")
		}
		from, to = uci[:2], uci[2:4]
		if len(uci) == 5 {
			promo = uci[4:]
		}
	case 2, 3:
		from, to = strings.ToLower(args[0]), strings.ToLower(args[1])
		if len(args) == 3 {
			promo = strings.ToLower(args[2])
		}
	default:
		return "", "", "", fmt.Errorf("usage: move e2e4 | move e2 e4 [q]")
	}
	return from, to, promo, nil
}

func printHelp() {
	fmt.Print(`commands:
  new                          create a game and wait for an opponent
  join <game-id>               join an open game
  list                         list open games
  move e2e4 | move e2 e4 [q]   play a move
  promote q|r|b|n              complete a pending promotion
  resign                       resign the current game
  board [file.png]             write the board to a file
  status                       show game status and clocks
  name [new-name]              show or change your name
  quit
`)
}

func fmtClock(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
