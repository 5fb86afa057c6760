// Command busctl talks to a running message bus from the shell.
//
//	busctl send   -url ws://127.0.0.1:8181/core -type speak -data '{"utterance":"hi"}'
//	busctl listen -url ws://127.0.0.1:8181/core [-type speak]
//	busctl repl   -url ws://127.0.0.1:8181/core
//	busctl stats  -url http://127.0.0.1:8181/metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/openvoiceos/ovos-messagebus/client/internal/busclient"
	"github.com/openvoiceos/ovos-messagebus/client/internal/stats"
	"github.com/openvoiceos/ovos-messagebus/pkg/types"
)

// settings are the environment defaults for the -url flags.
type settings struct {
	BusURL     string `env:"OVOS_BUS_URL" default:"ws://127.0.0.1:8181/core"`
	MetricsURL string `env:"OVOS_BUS_METRICS_URL" default:"http://127.0.0.1:8181/metrics"`
	LogLevel   string `env:"OVOS_BUS_LOG_LEVEL" default:"warn"`
}

const usage = `usage: busctl <command> [flags]

commands:
  send     send one message and exit
  listen   print every message received, one JSON object per line
  repl     interactive prompt: "<type> [json data]" sends, received messages are printed
  stats    print a summary of the bus metrics endpoint
`

func main() {
	_ = godotenv.Load()

	var s settings
	if err := env.Load(&s, nil); err != nil {
		fmt.Fprintln(os.Stderr, "busctl:", err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "send":
		err = runSend(ctx, s, args)
	case "listen":
		err = runListen(ctx, s, args)
	case "repl":
		err = runRepl(ctx, s, args)
	case "stats":
		err = runStats(ctx, s, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "busctl: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "busctl:", err)
		os.Exit(1)
	}
}

func runSend(ctx context.Context, s settings, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	url := fs.String("url", s.BusURL, "bus WebSocket URL")
	msgType := fs.String("type", "", "message type (required)")
	data := fs.String("data", "{}", "message data as a JSON object")
	msgCtx := fs.String("context", "{}", "message context as a JSON object")
	dest := fs.String("dest", "", "comma-separated connection ids to address directly")
	fs.Parse(args) //nolint:errcheck

	msg, err := buildMessage(*msgType, *data, *msgCtx, *dest)
	if err != nil {
		return err
	}

	c, err := busclient.Dial(ctx, *url, busclient.Options{})
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Send(msg)
}

func runListen(ctx context.Context, s settings, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	url := fs.String("url", s.BusURL, "bus WebSocket URL")
	msgType := fs.String("type", "", "only print messages of this type")
	fs.Parse(args) //nolint:errcheck

	c, err := busclient.Dial(ctx, *url, busclient.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(os.Stdout)
	return c.Listen(ctx, func(m *types.Message) {
		if *msgType != "" && m.Type != *msgType {
			return
		}
		enc.Encode(m) //nolint:errcheck
	})
}

func runRepl(ctx context.Context, s settings, args []string) error {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	url := fs.String("url", s.BusURL, "bus WebSocket URL")
	fs.Parse(args) //nolint:errcheck

	c, err := busclient.Dial(ctx, *url, busclient.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bus> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "connected to %s as %s\n", c.URL(), c.Source())

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		err := c.Listen(listenCtx, func(m *types.Message) {
			line, _ := json.Marshal(m)
			fmt.Fprintf(rl.Stdout(), "< %s\n", line)
		})
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "connection lost: %v\n", err)
			rl.Close()
		}
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		msgType, data, _ := strings.Cut(line, " ")
		if strings.TrimSpace(data) == "" {
			data = "{}"
		}
		msg, err := buildMessage(msgType, data, "{}", "")
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
			continue
		}
		if err := c.Send(msg); err != nil {
			return err
		}
	}
}

func runStats(ctx context.Context, s settings, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", s.MetricsURL, "bus metrics URL")
	fs.Parse(args) //nolint:errcheck

	sum, err := stats.Fetch(ctx, nil, *url)
	if err != nil {
		return err
	}
	_, err = sum.WriteTo(os.Stdout)
	return err
}

// buildMessage assembles an envelope from command-line strings and checks it
// the same way the bus would.
func buildMessage(msgType, data, msgCtx, dest string) (*types.Message, error) {
	frame := fmt.Sprintf(`{"type":%s,"data":%s,"context":%s}`, strconv.Quote(msgType), data, msgCtx)
	msg, err := types.Decode([]byte(frame))
	if err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if dest == "" {
		return msg, nil
	}

	var ids []uint64
	for _, part := range strings.Split(dest, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -dest id %q", part)
		}
		ids = append(ids, id)
	}
	if err := msg.SetDestinations(ids...); err != nil {
		return nil, err
	}
	return msg, nil
}
