package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/captionsync/captiond/internal/bus"
	"github.com/captionsync/captiond/internal/capture"
	"github.com/captionsync/captiond/internal/config"
	"github.com/captionsync/captiond/internal/logring"
	"github.com/captionsync/captiond/internal/protocol"
	"github.com/captionsync/captiond/internal/roomchan"
	"github.com/captionsync/captiond/internal/session"
	"github.com/captionsync/captiond/internal/syncer"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		name        string
		group       string
		debugDump   bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "captiond.yaml", "Path to configuration file")
	flag.StringVar(&name, "name", "", "Display name (overrides stored identity)")
	flag.StringVar(&group, "group", "", "Group key to join (overrides stored group)")
	flag.BoolVar(&debugDump, "debug", false, "Dump recent log records on exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	// Records go to stderr as usual and into a bounded ring, so the
	// recent activity behind a failure is recoverable in one block even
	// when the live stream scrolled past.
	ringHandler := logring.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}), 256)
	logger := slog.New(ringHandler)

	if showVersion {
		fmt.Println(version)
		return
	}

	err := run(configPath, name, group, logger)
	if err != nil {
		logger.Error("captionctl exited with error", slog.String("error", err.Error()))
	} else {
		logger.Info("shutdown complete")
	}
	if debugDump {
		fmt.Fprintln(os.Stderr, "--- recent log records ---")
		ringHandler.Dump(os.Stderr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(configPath, name, group string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if name != "" {
		cfg.Client.Identity = name
	}
	if group != "" {
		cfg.Client.GroupID = group
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(ctx, cfg.Client, logger)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	busClient, err := bus.Connect(cfg.Bus, "captionctl-"+sess.ClientID, logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer busClient.Close()

	grace := time.Duration(cfg.Client.GraceWindowMS) * time.Millisecond
	sync := syncer.New(sess, grace, logger)
	defer sync.Close()

	channel, err := roomchan.NewChannel(busClient, sess.ClientID, sync.Handlers(), logger)
	if err != nil {
		return fmt.Errorf("open room channel: %w", err)
	}
	defer channel.Close()
	sync.Bind(channel)

	stored, err := sess.Prefs.Identity(ctx)
	if err != nil {
		logger.Warn("failed to read stored identity", slog.String("error", err.Error()))
	}
	sync.Negotiator().Bootstrap(stored)
	if cfg.Client.Identity != "" && cfg.Client.Identity != stored {
		sync.Negotiator().Commit(cfg.Client.Identity)
	}

	if err := sync.Start(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	engine, err := capture.NewEngine(cfg.Capture, logger)
	if err != nil {
		if errors.Is(err, capture.ErrUnsupported) {
			fmt.Fprintln(os.Stderr, "speech capture is not supported on this device")
		}
		return err
	}
	loop := capture.NewLoop(engine, logger)

	if cfg.Capture.Enabled {
		if err := loop.Start(); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		go sync.Pump(ctx, loop.Results())
	}

	go render(ctx, sess, os.Stdout)

	<-ctx.Done()
	if cfg.Capture.Enabled {
		loop.Stop()
		select {
		case <-loop.Done():
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// render appends newly finalized utterances to out as they converge,
// interleaved with the current in-progress previews.
func render(ctx context.Context, sess *session.Context, out io.Writer) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	lastPreview := ""
	for {
		select {
		case <-ticker.C:
			utterances := sess.State.Utterances()
			if printed > len(utterances) {
				// Snapshot replaced local state with a shorter view.
				printed = len(utterances)
			}
			for ; printed < len(utterances); printed++ {
				printUtterance(out, utterances[printed])
			}
			if line := previewLine(sess.State.Previews()); line != lastPreview {
				if line != "" {
					fmt.Fprintln(out, line)
				}
				lastPreview = line
			}
		case <-ctx.Done():
			return
		}
	}
}

func printUtterance(out io.Writer, utt protocol.Utterance) {
	fmt.Fprintf(out, "[%s] %s: %s\n", utt.Color, utt.Speaker, utt.Text)
}

// previewLine flattens the live per-speaker interim text into one line,
// speakers in stable order. Empty when nobody is mid-sentence.
func previewLine(previews map[string]protocol.Preview) string {
	if len(previews) == 0 {
		return ""
	}
	speakers := make([]string, 0, len(previews))
	for s := range previews {
		speakers = append(speakers, s)
	}
	sort.Strings(speakers)

	var b strings.Builder
	b.WriteString("...")
	for i, s := range speakers {
		if i > 0 {
			b.WriteString(" |")
		}
		fmt.Fprintf(&b, " %s: %s", s, previews[s].Text)
	}
	return b.String()
}
