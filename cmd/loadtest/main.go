package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/doclet/internal/awareness"
	"github.com/example/doclet/internal/codec"
	"github.com/example/doclet/internal/transport"
	"github.com/example/doclet/internal/types"
)

type latencySample struct {
	dur time.Duration
}

// broadcastPeer is the awareness peer id of the sending client. Its clock is
// the message sequence number, so receivers can look up the send time.
const broadcastPeer = 1

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document id used by all clients")
	clients := flag.Int("clients", 1000, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of presence updates to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between presence updates")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	latencyCh := make(chan latencySample, *clients**messages)
	var sentAt sync.Map
	var ready sync.WaitGroup
	var wg sync.WaitGroup

	ready.Add(*clients)
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := types.ClientID(fmt.Sprintf("client-%d", id))
			endpoint, err := transport.Endpoint(*addr, types.DocumentID(*document), clientID)
			if err != nil {
				ready.Done()
				logger.Error().Err(err).Msg("invalid websocket address")
				return
			}
			conn, _, err := dialer.DialContext(ctx, endpoint, nil)
			ready.Done()
			if err != nil {
				logger.Error().Err(err).Str("client", string(clientID)).Msg("dial failed")
				return
			}
			defer conn.Close()

			if id != 0 {
				readerLoop(ctx, conn, &sentAt, latencyCh, logger)
				return
			}

			go readerLoop(ctx, conn, &sentAt, latencyCh, logger)
			// let every listener join before the first update
			ready.Wait()
			sendTicker := time.NewTicker(*interval)
			defer sendTicker.Stop()
			for seq := 1; seq <= *messages; seq++ {
				select {
				case <-ctx.Done():
					return
				case <-sendTicker.C:
					sentAt.Store(uint32(seq), time.Now())
					if err := sendPresence(conn, *document, clientID, uint32(seq)); err != nil {
						logger.Error().Err(err).Msg("failed to send presence")
						return
					}
				}
			}
			// give stragglers a moment before reporting
			time.Sleep(time.Second)
			stop()
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

func sendPresence(conn *websocket.Conn, documentID string, clientID types.ClientID, seq uint32) error {
	update, err := awareness.EncodeEntries([]awareness.Entry{{
		PeerID: broadcastPeer,
		Clock:  seq,
		State: &awareness.State{
			User:   types.User{Name: "loadtest", ClientID: string(clientID)},
			Cursor: &awareness.Cursor{Anchor: int(seq), Head: int(seq)},
		},
	}})
	if err != nil {
		return err
	}
	data, err := types.Envelope{
		Type:       types.MessagePresence,
		DocumentID: types.DocumentID(documentID),
		ClientID:   clientID,
		Payload:    codec.Encode(update),
	}.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readerLoop(ctx context.Context, conn *websocket.Conn, sentAt *sync.Map, latencies chan<- latencySample, logger zerolog.Logger) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode envelope")
			continue
		}
		if env.Type != types.MessagePresence {
			continue
		}
		raw, err := codec.Decode(env.Payload)
		if err != nil {
			continue
		}
		entries, err := awareness.DecodeUpdate(raw)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.PeerID != broadcastPeer {
				continue
			}
			if ts, ok := sentAt.Load(e.Clock); ok {
				latencies <- latencySample{dur: time.Since(ts.(time.Time))}
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of presence updates met the 50ms target")
	}
}
