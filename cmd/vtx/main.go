// Vtx: video sender CLI.
//
// Reads H.264/H.265 access units from an Annex-B file, an RTSP camera or a
// synthetic test pattern, and streams them to a UDP destination as 12-byte
// header datagrams no larger than 1472 bytes.
//
// It can be launched interactively (no input given) or non-interactively via
// a YAML config file (-config) and CLI flags, flags taking precedence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/vtx/internal/config"
	"github.com/1ureka/vtx/internal/monitor"
	"github.com/1ureka/vtx/internal/packetizer"
	"github.com/1ureka/vtx/internal/source"
	"github.com/1ureka/vtx/internal/streamer"
	"github.com/1ureka/vtx/internal/transport"
	"github.com/1ureka/vtx/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	def := config.Default()

	// CLI flags.
	configPath := flag.String("config", "", "YAML config file")
	host := flag.String("host", def.Host, "Destination host")
	port := flag.Int("port", def.Port, "Destination UDP port, 1~65535")
	input := flag.String("input", "", "Input: 'test', rtsp:// URL, or Annex-B file path")
	codec := flag.String("codec", string(def.Codec), "Codec of file and test inputs: h264 or h265")
	fps := flag.Int("fps", def.FPS, "Frame rate of file and test inputs")
	bitrate := flag.Int("bitrate", def.Bitrate, "Test pattern bitrate in Mbps")
	gop := flag.Int("gop", def.GOP, "Test pattern key frame interval")
	loop := flag.Bool("loop", false, "Restart file input at end of file")
	frames := flag.Int("frames", 0, "Stop after this many frames (0: no limit)")
	tail := flag.String("tail", def.TailMode, "Carry-over tail handling: merge or flush")
	pt := flag.Int("pt", int(def.PayloadType), "Payload type, 0~127")
	mtu := flag.Int("mtu", def.MaxDatagramSize, "Maximum datagram size in bytes")
	dscp := flag.Int("dscp", 0, "DSCP class of outgoing packets, 0~63")
	queue := flag.Int("queue", def.QueueSize, "Frame queue capacity")
	monitorAddr := flag.String("monitor", "", "Serve stats over HTTP on this address (e.g. :8080)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	pterm.Info.Println(fmt.Sprintf("Vtx v%s", version))
	pterm.Println()

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	// Explicit flags override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "input":
			cfg.Input = *input
		case "codec":
			cfg.Codec = config.Codec(strings.ToLower(*codec))
		case "fps":
			cfg.FPS = *fps
		case "bitrate":
			cfg.Bitrate = *bitrate
		case "gop":
			cfg.GOP = *gop
		case "loop":
			cfg.Loop = *loop
		case "frames":
			cfg.Frames = *frames
		case "tail":
			cfg.TailMode = *tail
		case "pt":
			if *pt < 0 || *pt > 255 {
				*pt = 255 // rejected by Validate
			}
			cfg.PayloadType = uint8(*pt)
		case "mtu":
			cfg.MaxDatagramSize = *mtu
		case "dscp":
			cfg.DSCP = *dscp
		case "queue":
			cfg.QueueSize = *queue
		case "monitor":
			cfg.MonitorAddr = *monitorAddr
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	if cfg.Input == "" {
		// No input anywhere, ask for one.
		runInteractive(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("stream closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive fills in the input and destination through prompts.
func runInteractive(cfg *config.Config) {
	kind, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Test   - Synthetic frames at the configured bitrate",
			"File   - Annex-B elementary stream (.h264 / .h265)",
			"Camera - Pull from an RTSP URL",
		}).
		WithDefaultText("Select the video input").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(kind, "Test"):
		cfg.Input = config.InputTestPattern
	case strings.HasPrefix(kind, "File"):
		cfg.Input = askText("Path to the elementary stream file", func(s string) bool {
			_, err := os.Stat(s)
			return err == nil
		})
		if strings.HasSuffix(strings.ToLower(cfg.Input), ".h264") || strings.HasSuffix(strings.ToLower(cfg.Input), ".264") {
			cfg.Codec = config.CodecH264
		}
		cfg.Loop = true
	default:
		cfg.Input = askText("RTSP URL (e.g. rtsp://192.168.1.10:554/stream)", func(s string) bool {
			return strings.HasPrefix(s, "rtsp://") || strings.HasPrefix(s, "rtsps://")
		})
	}

	cfg.Host = askText(fmt.Sprintf("Destination host (default %s)", cfg.Host), func(string) bool { return true }, cfg.Host)
	cfg.Port = askPort(fmt.Sprintf("Destination UDP port (default %d)", cfg.Port), cfg.Port)
}

// run wires source, socket, packetizer and streamer together and blocks
// until the stream ends or ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	mode, err := packetizer.ParseTailMode(cfg.TailMode)
	if err != nil {
		return err
	}

	src, err := source.Open(ctx, source.OptionsFromConfig(&cfg))
	if err != nil {
		return fmt.Errorf("failed to open input %s: %w", cfg.Input, err)
	}

	tr, err := transport.DialUDP(ctx, cfg.Addr(), transport.Options{
		WriteTimeout: cfg.WriteTimeout,
		DSCP:         cfg.DSCP,
	})
	if err != nil {
		src.Close()
		return err
	}

	pk, err := packetizer.New(tr, packetizer.Config{
		PayloadType:     cfg.PayloadType,
		MaxDatagramSize: cfg.MaxDatagramSize,
		Tail:            mode,
	})
	if err != nil {
		src.Close()
		tr.Close()
		return err
	}
	defer pk.Close()

	st := streamer.New(src, pk, cfg.QueueSize)
	defer st.Close()

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	if cfg.MonitorAddr != "" {
		mon := monitor.New(map[string]string{
			"stream":      st.ID,
			"input":       cfg.Input,
			"destination": cfg.Addr(),
			"ssrc":        fmt.Sprintf("%08x", pk.SSRC()),
			"tail":        mode.String(),
		})
		go func() {
			if err := mon.Run(ctx, cfg.MonitorAddr); err != nil {
				util.LogWarning("monitor stopped: %v", err)
			}
		}()
	}

	util.LogSuccess("streaming %s to %s (ssrc=%08x, tail=%s, max datagram %d bytes)",
		cfg.Input, cfg.Addr(), pk.SSRC(), mode, pk.MaxDatagramSize())

	err = st.Run(ctx)

	c := pk.Counters()
	util.LogInfo("sent %d frames in %d datagrams (%d bytes, %d merged, %d tail flushes)",
		c.Frames, c.Datagrams, c.Bytes, c.Merged, c.TailFlushes)
	return err
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askText prompts until valid accepts the answer. An empty answer returns
// fallback when one is given.
func askText(prompt string, valid func(string) bool, fallback ...string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" && len(fallback) > 0 {
			pterm.Println()
			return fallback[0]
		}
		if raw != "" && valid(raw) {
			pterm.Println()
			return raw
		}

		util.LogWarning("invalid input: %q", raw)
		pterm.Println()
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string, fallback int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return fallback
		}

		port, err := strconv.Atoi(raw)
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
