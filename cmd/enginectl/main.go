// Command enginectl is the operator control surface for the engine
// (§6): a thin CLI over the same Position Store and broker gateway the
// engine process uses, for inspection and manual intervention while
// the engine is stopped, plus an interactive REPL.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/instruments"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/supervisor"
)

// Exit codes per §6: 0 success, 64 usage error, 69 broker unavailable,
// 70 internal error.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: config error:", err)
		return exitUsage
	}

	if len(argv) == 0 {
		repl(cfg)
		return exitOK
	}

	sup, code := buildSupervisor(cfg)
	if sup == nil {
		return code
	}
	return dispatch(sup, argv)
}

func buildSupervisor(cfg *config.Config) (*supervisor.Supervisor, int) {
	manifest, err := instruments.Load(cfg.UniversePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: failed to load universe:", err)
		return nil, exitUsage
	}

	store, err := positions.NewSQLStore(cfg.DatabasePath, cfg.Mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: failed to open position store:", err)
		return nil, exitInternal
	}

	var gw broker.Gateway
	if cfg.IsDryRun() {
		gw = broker.NewPaperGateway()
	} else {
		bg := broker.NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceUseUS, time.Duration(cfg.BrokerTimeoutSeconds)*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bg.LoadExchangeInfo(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "enginectl: broker unavailable:", err)
			return nil, exitUnavailable
		}
		gw = bg
	}

	return supervisor.New(cfg, manifest, store, gw), exitOK
}

func dispatch(sup *supervisor.Supervisor, args []string) int {
	ctx := context.Background()
	switch args[0] {
	case "list-open":
		return cmdListOpen(sup)
	case "close":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: enginectl close <tradeId>")
			return exitUsage
		}
		return cmdClose(ctx, sup, args[1])
	case "reconcile":
		return cmdReconcile(ctx, sup)
	case "set-mode":
		if len(args) < 2 || (args[1] != "paper" && args[1] != "live") {
			fmt.Fprintln(os.Stderr, "usage: enginectl set-mode <paper|live>")
			return exitUsage
		}
		return cmdSetMode(ctx, sup, args[1])
	case "start":
		return cmdStart(ctx, sup)
	case "stop":
		sup.Stop()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printHelp()
		return exitUsage
	}
}

func cmdStart(ctx context.Context, sup *supervisor.Supervisor) int {
	if err := sup.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: start failed:", err)
		return exitUnavailable
	}
	fmt.Println("engine started")
	return exitOK
}

func cmdSetMode(ctx context.Context, sup *supervisor.Supervisor, mode string) int {
	m := models.ModePaper
	if mode == "live" {
		m = models.ModeLive
	}
	if err := sup.SetMode(ctx, m); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: set-mode failed:", err)
		return exitInternal
	}
	fmt.Println("mode switched to", mode)
	return exitOK
}

func cmdReconcile(ctx context.Context, sup *supervisor.Supervisor) int {
	if err := sup.Reconcile(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: reconcile failed:", err)
		return exitInternal
	}
	fmt.Println("reconciliation complete")
	return exitOK
}

func cmdClose(ctx context.Context, sup *supervisor.Supervisor, tradeID string) int {
	if err := sup.Close(ctx, tradeID); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: close failed:", err)
		return exitInternal
	}
	fmt.Println("trade closed:", tradeID)
	return exitOK
}

func cmdListOpen(sup *supervisor.Supervisor) int {
	open, err := sup.ListOpen()
	if err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: list-open failed:", err)
		return exitInternal
	}
	printOpenTable(open)
	return exitOK
}

func printOpenTable(open []models.Trade) {
	if len(open) == 0 {
		fmt.Println("No open trades")
		return
	}
	fmt.Print(`
Open Trades:
┌──────────────────────┬─────────────┬───────┬────────────┬────────────┬────────────┐
│ TradeID              │ Symbol      │ Index │ Entry      │ Stop       │ Target     │
├──────────────────────┼─────────────┼───────┼────────────┼────────────┼────────────┤
`)
	for _, t := range open {
		id := t.TradeID
		if len(id) > 20 {
			id = id[:17] + "..."
		}
		target := t.CurrentTargetPrice.String()
		if t.CurrentTargetPrice.IsZero() {
			target = "-"
		}
		fmt.Printf("│ %-20s │ %-11s │ %-5d │ %-10s │ %-10s │ %-10s │\n",
			id, t.Symbol, int(t.Index), t.EntryPrice.String(), t.CurrentStopPrice.String(), target)
	}
	fmt.Println("└──────────────────────┴─────────────┴───────┴────────────┴────────────┴────────────┘")
}

func printHelp() {
	fmt.Print(`Commands:
  start                   - start the engine
  stop                    - stop the engine
  set-mode <paper|live>   - switch trading mode
  list-open               - list open trades
  close <tradeId>         - manually close a trade
  reconcile               - reconcile stored state against the broker
  help                    - show this help
  exit                    - quit
`)
}

func repl(cfg *config.Config) {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("start"),
		readline.PcItem("stop"),
		readline.PcItem("set-mode", readline.PcItem("paper"), readline.PcItem("live")),
		readline.PcItem("list-open"),
		readline.PcItem("close"),
		readline.PcItem("reconcile"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "enginectl> ",
		HistoryFile:     "/tmp/enginectl_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "enginectl: failed to start REPL:", err)
		return
	}
	defer rl.Close()

	sup, code := buildSupervisor(cfg)
	if sup == nil {
		fmt.Fprintln(os.Stderr, "enginectl: could not initialize components, exit code", code)
		return
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}
		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "exit" {
			return
		}
		if parts[0] == "help" {
			printHelp()
			continue
		}
		dispatch(sup, parts)
	}
}
