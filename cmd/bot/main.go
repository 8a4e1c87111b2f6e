package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/protocol"
)

var (
	url      string
	name     string
	strategy string
	input    string
	interval time.Duration
	verbose  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dynstack-bot",
	Short: "Feed recorded world snapshots to a planning server",
	Long: `Connects to /v1/ws, sends HELLO and then one WORLD per snapshot from the
input file, printing the SCHEDULE received for each.

The input is either a recording (*.snap.zst) or a JSONL file with one world
object per line.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewDevelopmentConfig()
		if !verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		worlds, err := loadWorlds(input)
		if err != nil {
			return err
		}
		return run(worlds)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&url, "url", "ws://localhost:8080/v1/ws", "ws url")
	f.StringVar(&name, "name", "bot", "client name")
	f.StringVar(&strategy, "strategy", "", "planning strategy override (genetic, beam, rule)")
	f.StringVar(&input, "input", "", "recording (.snap.zst) or JSONL world file")
	f.DurationVar(&interval, "interval", 0, "pause between snapshots")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("input")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadWorlds(path string) ([]protocol.World, error) {
	if strings.HasSuffix(path, snapshot.Ext) {
		rec, err := snapshot.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read recording: %w", err)
		}
		return rec.Worlds, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []protocol.World
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var w protocol.World
		if err := json.Unmarshal(sc.Bytes(), &w); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, w)
	}
	return out, sc.Err()
}

func run(worlds []protocol.World) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      name,
		Strategy:        strategy,
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	welcome, err := readWelcome(conn)
	if err != nil {
		return err
	}
	logger.Info("WELCOME",
		zap.String("session", welcome.SessionID),
		zap.String("strategy", welcome.Strategy),
		zap.Int("moves_per_schedule", welcome.MovesPerSchedule),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	var planned, empty, errs int
	for i, w := range worlds {
		select {
		case <-stop:
			return nil
		default:
		}
		msg := protocol.WorldMsg{Type: protocol.TypeWorld, ProtocolVersion: protocol.Version, World: w}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send WORLD: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		switch base.Type {
		case protocol.TypeSchedule:
			var s protocol.ScheduleMsg
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			if s.Schedule == nil {
				empty++
				logger.Debug("no schedule", zap.Int("i", i), zap.Int64("now_ms", w.NowMs), zap.String("code", s.Code))
				break
			}
			planned++
			logger.Info("SCHEDULE",
				zap.Int("i", i),
				zap.Int64("now_ms", w.NowMs),
				zap.Int("seq", s.Schedule.SequenceNr),
				zap.Any("moves", s.Schedule.Moves),
				zap.Float64("fitness", s.Fitness),
				zap.Int64("elapsed_ms", s.ElapsedMs),
			)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(raw, &e)
			errs++
			logger.Warn("ERROR", zap.Int("i", i), zap.String("code", e.Code), zap.String("message", e.Message))
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}
	logger.Info("done", zap.Int("snapshots", len(worlds)), zap.Int("planned", planned), zap.Int("empty", empty), zap.Int("errors", errs))
	return nil
}

func readWelcome(conn *websocket.Conn) (protocol.WelcomeMsg, error) {
	var w protocol.WelcomeMsg
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return w, fmt.Errorf("read WELCOME: %w", err)
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return w, err
	}
	if base.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(raw, &e)
		return w, fmt.Errorf("handshake rejected: %s: %s", e.Code, e.Message)
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return w, err
	}
	return w, nil
}
