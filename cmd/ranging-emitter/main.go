// Ranging emitter
// Walks synthetic tags through the site and streams per-anchor measurement
// frames to a locator over TCP, the way anchor gateways do
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/codec"
	"github.com/agile-defense/minetrack/pkg/config"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/simulation"
)

// Reconnect backoff limits
const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// frameSink groups one step's measurements into a frame per anchor
type frameSink struct {
	byAnchor map[string][]codec.FrameElement
}

func newFrameSink() *frameSink {
	return &frameSink{byAnchor: make(map[string][]codec.FrameElement)}
}

// Submit implements simulation.Sink
func (f *frameSink) Submit(m messages.Measurement) {
	f.byAnchor[m.AnchorID] = append(f.byAnchor[m.AnchorID], codec.FrameElement{
		TagID:    m.TagID,
		Distance: m.Distance,
	})
}

// drain encodes and clears the buffered frames, ordered by anchor id
func (f *frameSink) drain(now time.Time) ([]byte, int, error) {
	ids := make([]string, 0, len(f.byAnchor))
	for id := range f.byAnchor {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []byte
	for _, id := range ids {
		data, err := codec.Encode(codec.Frame{
			AnchorID:     id,
			Timestamp:    now.Format(time.RFC3339Nano),
			Measurements: f.byAnchor[id],
		})
		if err != nil {
			return nil, 0, err
		}
		out = append(out, data...)
	}
	clear(f.byAnchor)
	return out, len(ids), nil
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", getEnv("LOCATOR_CONFIG", "locator.json"), "site configuration with anchors")
	addr := flag.String("addr", getEnv("LOCATOR_ADDR", "127.0.0.1:5000"), "locator ingest address")
	interval := flag.Duration("interval", simulation.DefaultInterval, "emission interval")
	step := flag.Float64("step", simulation.DefaultStepSize, "maximum walk step per tick in meters")
	count := flag.Int("tags", 0, "number of generated tags, overrides the configured tags when set")
	noise := flag.Float64("noise", -1, "range noise amplitude in meters, negative uses the configured value")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "ranging-emitter").Logger()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load site configuration")
	}

	registry, err := anchors.NewRegistry(cfg.AnchorList())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build anchor registry")
	}

	opts := cfg.SimulationOptions()
	opts.Seed = *seed
	if *count > 0 {
		opts.TagIDs = simulation.GenerateTagIDs(*count)
	}
	if *noise >= 0 {
		opts.Noise = *noise
	}

	sink := newFrameSink()
	source, err := simulation.NewSource(opts, simulation.NewSettings(*interval, *step), registry, nil, sink, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create tag walker")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("addr", *addr).
		Dur("interval", *interval).
		Int("tags", len(opts.TagIDs)).
		Int("anchors", registry.Len()).
		Msg("Starting ranging emitter")

	emitter := &emitter{addr: *addr, source: source, sink: sink, interval: *interval}
	if err := emitter.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Emitter stopped")
	}
	log.Info().Uint64("frames", emitter.frames).Msg("Emitter stopped")
}

type emitter struct {
	addr     string
	source   *simulation.Source
	sink     *frameSink
	interval time.Duration

	conn   net.Conn
	frames uint64
}

func (e *emitter) run(ctx context.Context) error {
	defer e.disconnect()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if e.conn == nil {
			if err := e.connect(ctx); err != nil {
				log.Warn().Err(err).Dur("retry_in", backoff).Msg("Locator unreachable")
				if !sleep(ctx, backoff) {
					return nil
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = minBackoff
		}

		now := time.Now().UTC()
		e.source.Step(now)
		payload, n, err := e.sink.drain(now)
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}

		e.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := e.conn.Write(payload); err != nil {
			log.Warn().Err(err).Msg("Write failed, reconnecting")
			e.disconnect()
			continue
		}
		e.frames += uint64(n)
		log.Debug().Int("frames", n).Int("bytes", len(payload)).Msg("Frames sent")
	}
}

func (e *emitter) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to dial %s: %w", e.addr, err)
	}
	e.conn = conn
	log.Info().Str("addr", e.addr).Msg("Connected to locator")
	return nil
}

func (e *emitter) disconnect() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
