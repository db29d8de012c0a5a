// Package ws exposes the speech engine to a game panel over a websocket.
// The panel drives the question lifecycle (question, synthesis handshake,
// question end); the engine pushes live transcripts, detected commands and
// debounced answer submissions back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pasavoz/pasavoz/pkg/errorsx"
	"github.com/pasavoz/pasavoz/pkg/frames"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu     sync.Mutex
	panels map[string]*panel

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh: make(chan frames.Frame, 512),
		panels: make(map[string]*panel),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{
		"panel_url": "ws://" + addr + t.cfg.WebsocketPath,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ws_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop leaves recvCh open: handler goroutines unblocked by the server close
// still run their panel_end path, and emitSystem discards events once
// draining is set. Consumers stop reading on context cancellation instead.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, p := range t.panels {
		_ = p.close()
	}
	t.panels = make(map[string]*panel)
	t.mu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	panelID := r.URL.Query().Get("panel_id")
	if panelID == "" {
		panelID = uuid.NewString()
	}
	old := t.attach(panelID, conn)
	if old != nil {
		_ = old.close()
	}
	t.emitSystem("panel_start", map[string]string{"panel_id": panelID})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt PanelEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "question":
			if evt.Question == nil || evt.Question.Key == "" {
				continue
			}
			meta := map[string]string{
				frames.MetaQuestionKey: evt.Question.Key,
				frames.MetaExpected:    evt.Question.Expected,
				frames.MetaSource:      "panel",
			}
			t.emitSystem("question_start", meta)
		case "synthesis":
			if evt.Synthesis == nil {
				continue
			}
			switch evt.Synthesis.State {
			case "started":
				t.emitSystem("synthesis_started", map[string]string{frames.MetaSource: "panel"})
			case "done":
				t.emitSystem("synthesis_done", map[string]string{frames.MetaSource: "panel"})
			}
		case "question_end":
			meta := map[string]string{frames.MetaSource: "panel"}
			if evt.Question != nil {
				meta[frames.MetaQuestionKey] = evt.Question.Key
			}
			t.emitSystem("question_end", meta)
		case "stop":
			reason := "panel_stop"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = evt.Stop.Reason
			}
			t.emitSystem("panel_end", map[string]string{
				frames.MetaReason: reason,
				"panel_id":        panelID,
			})
			t.detach(panelID)
			return
		}
	}
	t.emitSystem("panel_end", map[string]string{
		frames.MetaReason: "transport_closed",
		"panel_id":        panelID,
	})
	t.detach(panelID)
}

// Send pushes an engine frame to every attached panel. Text frames become
// transcript updates; control frames become command, submit or fallback
// notifications. Audio frames never leave the engine.
func (t *Transport) Send(f frames.Frame) error {
	if t.draining.Load() {
		return errorsx.Wrap(errors.New("transport draining"), errorsx.ReasonTransportSend)
	}
	var msg map[string]any
	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		msg = map[string]any{
			"event": "transcript",
			"transcript": map[string]any{
				"text":  tf.Text(),
				"final": tf.IsFinal(),
			},
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		meta := cf.Meta()
		switch cf.Code() {
		case frames.ControlCommand:
			msg = map[string]any{
				"event": "command",
				"command": map[string]any{
					"questionKey": meta[frames.MetaQuestionKey],
				},
			}
		case frames.ControlSubmit:
			msg = map[string]any{
				"event": "submit",
				"submit": map[string]any{
					"questionKey": meta[frames.MetaQuestionKey],
					"text":        meta[frames.MetaText],
				},
			}
		case frames.ControlFallback:
			msg = map[string]any{
				"event": "fallback",
				"fallback": map[string]any{
					"reason": meta[frames.MetaReason],
				},
			}
		default:
			return nil
		}
	default:
		return nil
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	t.mu.Lock()
	targets := make([]*panel, 0, len(t.panels))
	for _, p := range t.panels {
		targets = append(targets, p)
	}
	t.mu.Unlock()
	for _, p := range targets {
		p.enqueue(b)
	}
	return nil
}

func (t *Transport) attach(panelID string, conn *websocket.Conn) *panel {
	p := &panel{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	t.mu.Lock()
	old := t.panels[panelID]
	t.panels[panelID] = p
	t.mu.Unlock()
	go p.loop()
	return old
}

func (t *Transport) detach(panelID string) {
	t.mu.Lock()
	p := t.panels[panelID]
	delete(t.panels, panelID)
	t.mu.Unlock()
	if p != nil {
		_ = p.close()
	}
}

func (t *Transport) emitSystem(name string, meta map[string]string) {
	if t.draining.Load() {
		return
	}
	nonBlockingSend(t.recvCh, frames.NewSystemFrame("", time.Now().UnixNano(), name, meta))
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type panel struct {
	conn *websocket.Conn

	// mu guards closed and the sendCh close, so an enqueue racing a
	// disconnect never sends on a closed channel.
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (p *panel) enqueue(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.sendCh <- msg:
	default:
	}
}

func (p *panel) loop() {
	for msg := range p.sendCh {
		_ = p.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (p *panel) close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.sendCh)
	}
	p.mu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type PanelQuestion struct {
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Prompt   string `json:"prompt"`
}

type PanelSynthesis struct {
	State string `json:"state"`
}

type PanelStop struct {
	Reason string `json:"reason"`
}

type PanelEvent struct {
	Event     string          `json:"event"`
	Question  *PanelQuestion  `json:"question,omitempty"`
	Synthesis *PanelSynthesis `json:"synthesis,omitempty"`
	Stop      *PanelStop      `json:"stop,omitempty"`
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
