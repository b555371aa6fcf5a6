// drawboard is the collaborative canvas client. It shares one bitmap
// row with every other connected client and reconciles their saves live.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image/color"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/avoronov/syncboard/internal/app"
	"github.com/avoronov/syncboard/internal/canvas"
	"github.com/avoronov/syncboard/internal/presence"
)

const (
	canvasWidth  = 800
	canvasHeight = 600
)

func main() {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	var tracker *presence.Tracker
	if a.Redis != nil {
		tracker = presence.NewTracker(a.Redis,
			fmt.Sprintf("canvas:%d", a.Cfg.CanvasID),
			uuid.NewString(), a.Identity.Username())
		if err := tracker.Join(ctx); err != nil {
			fmt.Printf("presence unavailable: %v\n", err)
			tracker = nil
		} else {
			defer func() { _ = tracker.Leave(context.Background()) }()
		}
	}

	ctl := canvas.NewController(canvas.Options{
		CanvasID: a.Cfg.CanvasID,
		Width:    canvasWidth,
		Height:   canvasHeight,
		Debounce: time.Duration(a.Cfg.CanvasSaveDebounce) * time.Millisecond,
		Repo:     a.Store.Canvas(),
		Stream:   a.Stream,
		Tracker:  tracker,
		Notify:   func(msg string) { fmt.Printf("\n* %s\n> ", msg) },
	})
	if err := ctl.Start(ctx); err != nil {
		log.Fatalf("start canvas: %v", err)
	}
	defer ctl.Close()

	fmt.Printf("drawboard, drawing as %s (type 'help')\n", a.Identity.Username())
	repl(ctx, ctl)
}

func repl(ctx context.Context, ctl *canvas.Controller) {
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
			if quit := dispatch(ctx, ctl, strings.Fields(strings.TrimSpace(line))); quit {
				return
			}
		}
	}
}

func dispatch(ctx context.Context, ctl *canvas.Controller, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "help":
		printHelp()
	case "stroke":
		err = cmdStroke(ctl, args[1:], false)
	case "erase":
		err = cmdStroke(ctl, args[1:], true)
	case "clear":
		err = ctl.Clear()
	case "undo":
		err = ctl.Undo()
	case "save":
		err = cmdSave(ctl, args[1:])
	case "who":
		fmt.Printf("%d client(s) on the canvas\n", ctl.Who())
	case "status":
		if ctl.Offline() {
			fmt.Println("offline: local-only editing")
		} else {
			fmt.Println("online")
		}
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q (type 'help')\n", args[0])
	}
	if err != nil {
		switch {
		case errors.Is(err, canvas.ErrSaveInFlight):
			fmt.Println("not saved: a save is already running")
		case errors.Is(err, canvas.ErrOffline):
			fmt.Println("applied locally; offline, not shared")
		default:
			fmt.Printf("error: %v\n", err)
		}
	}
	_ = ctx
	return false
}

// cmdStroke parses "stroke [#rrggbb] [width] x1,y1 x2,y2 ...".
func cmdStroke(ctl *canvas.Controller, args []string, eraser bool) error {
	col := color.RGBA{A: 0xff} // black
	width := 3.0
	var points []canvas.Point
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "#"):
			c, err := parseHexColor(arg)
			if err != nil {
				return err
			}
			col = c
		case strings.Contains(arg, ","):
			p, err := parsePoint(arg)
			if err != nil {
				return err
			}
			points = append(points, p)
		default:
			w, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad argument %q", arg)
			}
			width = w
		}
	}
	if len(points) == 0 {
		return fmt.Errorf("usage: stroke [#rrggbb] [width] x1,y1 [x2,y2 ...]")
	}
	if eraser {
		return ctl.Erase(points, width)
	}
	return ctl.Stroke(points, width, col)
}

func cmdSave(ctl *canvas.Controller, args []string) error {
	path := "canvas.png"
	if len(args) > 0 {
		path = args[0]
	}
	snapshot, err := ctl.Snapshot()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, snapshot, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func parsePoint(s string) (canvas.Point, error) {
	parts := strings.SplitN(s, ",", 2)
	x, err1 := strconv.ParseFloat(parts[0], 64)
	y, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return canvas.Point{}, fmt.Errorf("bad point %q", s)
	}
	return canvas.Point{X: x, Y: y}, nil
}

func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("color must be #rrggbb")
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad color %q", s)
	}
	return color.RGBA{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n), A: 0xff}, nil
}

func printHelp() {
	fmt.Print(`commands:
  stroke [#rrggbb] [width] x1,y1 [x2,y2 ...]   draw a brush stroke
  erase [width] x1,y1 [x2,y2 ...]              erase along a path
  clear                                        blank the canvas
  undo                                         rewind the last local change
  save [file.png]                              write the canvas to a file
  who                                          count connected clients
  status                                       online/offline state
  quit
`)
}
