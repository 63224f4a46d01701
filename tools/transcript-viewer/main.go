// Transcript Viewer - live transcript display.
// Consumes the transcript event mirror from Kafka and pushes it to browsers
// over WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

//go:embed static/*
var staticFiles embed.FS

// Envelope is a transcript event as mirrored by the service.
type Envelope struct {
	EventType    string `json:"eventType"`
	InvocationID string `json:"invocationId"`
	Filename     string `json:"filename"`
	Sequence     int    `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
	Event        Event  `json:"event"`
}

// Event is either a speaker-attributed segment or the completion marker.
type Event struct {
	Speaker  string  `json:"speaker,omitempty"`
	Text     string  `json:"text,omitempty"`
	Start    float64 `json:"start,omitempty"`
	End      float64 `json:"end,omitempty"`
	Complete bool    `json:"complete"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// decodeEnvelope parses a Kafka message value.
func decodeEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(value, &env)
	return env, err
}

// Hub fans events out to every connected browser.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	broadcast chan Envelope
}

func newHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Envelope, 100),
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client connected. Total: %d", n)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		conn.Close()
		log.Printf("Client disconnected. Total: %d", n)
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.broadcast:
			h.mu.Lock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(env); err != nil {
					log.Printf("Write error: %v", err)
					dead = append(dead, conn)
				}
			}
			h.mu.Unlock()
			for _, conn := range dead {
				h.remove(conn)
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		hub.add(conn)

		// Browsers never send; reading only detects the disconnect.
		go func() {
			defer hub.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func consumeKafka(ctx context.Context, hub *Hub, brokers []string, topic string, since time.Duration) {
	// Partition reader without a consumer group; fine for a single-partition dev topic.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		log.Printf("Could not rewind %s: %v", topic, err)
	}
	log.Printf("Consuming from Kafka topic: %s partition 0 (last %v)", topic, since)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		env, err := decodeEnvelope(msg.Value)
		if err != nil {
			log.Printf("JSON unmarshal error on %s offset %d: %v", topic, msg.Offset, err)
			continue
		}

		if env.Event.Complete {
			log.Printf("Completed %s (%s) after %d events", env.InvocationID, env.Filename, env.Sequence)
		} else {
			log.Printf("Received %s #%d %s: %s", env.InvocationID, env.Sequence, env.Event.Speaker, truncate(env.Event.Text, 40))
		}

		select {
		case hub.broadcast <- env:
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicSegment := flag.String("topic-segment", "transcript.segment", "Segment event topic")
	topicComplete := flag.String("topic-complete", "transcript.complete", "Completion event topic")
	since := flag.Duration("since", time.Hour, "Replay events newer than this on startup")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	go hub.run(ctx)

	brokerList := strings.Split(*brokers, ",")
	go consumeKafka(ctx, hub, brokerList, *topicSegment, *since)
	go consumeKafka(ctx, hub, brokerList, *topicComplete, *since)

	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", wsHandler(hub))

	server := &http.Server{Addr: ":" + *port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("Transcript Viewer starting on http://localhost:%s", *port)
	log.Printf("   Kafka brokers: %s", *brokers)
	log.Printf("   Topics: %s, %s", *topicSegment, *topicComplete)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
