// Gardenbox Shared Garden
//
// Every visitor tends a plant in a single shared garden. Moving the cursor
// keeps the plant alive; accumulated active time advances it through ten
// growth stages from 🌰 Seed to 🌻 Full Bloom. Visitors can whisper short
// messages to the whole garden (feeding every plant a little, their own a
// little more) and change their mood label (feeding their own plant).
//
// Features:
// - WebSocket endpoint at /garden/ws, one shared garden per process
// - Persistent identity via a client-chosen account id; reconnecting with
//   the same id restores the plant and evicts any stale connection
// - Account id availability check before a new identity is claimed
// - Growth stage is always recomputed server-side from active time
// - Global Full Bloom count, deduplicated by account id
// - Session bootstrap (restore_session, existing_users, plant_count) sent
//   to the requesting connection only
// - Inactive plants reaped after a configurable idle timeout, with the
//   bloom count reconciled on eviction
// - Optional sqlite persistence so plants survive restarts
// - In-browser QR button to share the garden URL, backed by go-qrcode

package main

import (
	"context"
	_ "embed"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string  `json:"type"`                 // "check_account", "request_session", "cursor_update", "whisper", "mood_change"
	AccountID  string  `json:"accountId,omitempty"`  // check_account / request_session / cursor_update
	Mood       string  `json:"mood,omitempty"`       // request_session / cursor_update / mood_change
	X          float64 `json:"x,omitempty"`          // cursor_update
	Y          float64 `json:"y,omitempty"`          // cursor_update
	ActiveTime int64   `json:"activeTime,omitempty"` // cursor_update
	Text       string  `json:"text,omitempty"`       // whisper
}

// AccountStatusMessage answers a check_account query for this client only.
type AccountStatusMessage struct {
	Type      string `json:"type"` // "account_status"
	AccountID string `json:"accountId"`
	Available bool   `json:"available"`
}

// RestoreSessionMessage resumes a returning visitor's plant.
type RestoreSessionMessage struct {
	Type       string `json:"type"` // "restore_session"
	ActiveTime int64  `json:"activeTime"`
	Mood       string `json:"mood"`
}

// ExistingUsersMessage is the bootstrap snapshot of the whole garden.
type ExistingUsersMessage struct {
	Type  string                 `json:"type"` // "existing_users"
	Users map[string]Participant `json:"users"`
}

// PlantCountMessage carries the global Full Bloom count.
type PlantCountMessage struct {
	Type  string `json:"type"` // "plant_count"
	Count int    `json:"count"`
}

// CursorUpdateMessage carries one participant's current state.
type CursorUpdateMessage struct {
	Type string      `json:"type"` // "cursor_update"
	User Participant `json:"user"`
}

// WhisperMessage is an ephemeral text attributed to a sender.
type WhisperMessage struct {
	Type string `json:"type"` // "whisper"
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PlantReapedMessage tells clients a plant left the garden.
type PlantReapedMessage struct {
	Type      string `json:"type"` // "plant_reaped"
	AccountID string `json:"accountId"`
}

// SimpleMessage is for generic notifications ("evicted", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type client struct {
	conn      *websocket.Conn
	send      chan any
	connID    string
	accountID string // set once a session is bound
}

type clientEvent struct {
	client *client
	msg    ClientMessage
}

// Garden is the hub: it owns the live presence view and fans out every
// state delta to connected clients. All mutation happens on the run loop,
// so state-changing operations for any account are serialized.
type Garden struct {
	presence *Presence

	clients   map[*client]bool
	byAccount map[string]*client

	register chan *client
	unreg    chan *client
	checks   chan clientEvent
	sessions chan clientEvent
	cursors  chan clientEvent
	whispers chan clientEvent
	moods    chan clientEvent

	idleTimeout time.Duration
}

func newGarden(store Store, idleTimeout time.Duration) *Garden {
	return &Garden{
		presence:    newPresence(store),
		clients:     make(map[*client]bool),
		byAccount:   make(map[string]*client),
		register:    make(chan *client),
		unreg:       make(chan *client),
		checks:      make(chan clientEvent),
		sessions:    make(chan clientEvent),
		cursors:     make(chan clientEvent),
		whispers:    make(chan clientEvent),
		moods:       make(chan clientEvent),
		idleTimeout: idleTimeout,
	}
}

func (g *Garden) run(cfg *Config) {
	ticker := time.NewTicker(g.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case c := <-g.register:
			g.clients[c] = true
			logf(cfg, "GARDEN: Connection %s opened", c.connID)

		case c := <-g.unreg:
			if _, ok := g.clients[c]; ok {
				delete(g.clients, c)
				close(c.send)
			}
			if c.accountID != "" && g.byAccount[c.accountID] == c {
				delete(g.byAccount, c.accountID)
			}
			logf(cfg, "GARDEN: Connection %s closed", c.connID)

		case ev := <-g.checks:
			g.handleCheckAccount(cfg, ev)

		case ev := <-g.sessions:
			g.handleSessionRequest(cfg, ev)

		case ev := <-g.cursors:
			g.handleCursorUpdate(cfg, ev)

		case ev := <-g.whispers:
			g.handleWhisper(cfg, ev)

		case ev := <-g.moods:
			g.handleMoodChange(cfg, ev)

		case <-ticker.C:
			g.reap(cfg)
		}
	}
}

// handleCheckAccount answers an availability query without side effects.
// An id is unavailable if any live or persisted record owns it.
func (g *Garden) handleCheckAccount(cfg *Config, ev clientEvent) {
	c := ev.client
	accountID := ev.msg.AccountID
	if accountID == "" {
		return
	}

	available := true
	if _, live := g.presence.Get(accountID); live {
		available = false
	} else {
		var err error
		available, err = g.presence.store.AccountIDAvailable(context.Background(), accountID)
		if err != nil {
			logf(cfg, "GARDEN: Availability check for %q failed: %v", accountID, err)
			return
		}
	}

	g.sendTo(c, AccountStatusMessage{
		Type:      "account_status",
		AccountID: accountID,
		Available: available,
	})
}

// handleSessionRequest binds a connection to a persistent identity. A stale
// connection already bound to the same account id is evicted first, so at
// most one live participant exists per id.
func (g *Garden) handleSessionRequest(cfg *Config, ev clientEvent) {
	c := ev.client
	msg := ev.msg
	if msg.AccountID == "" {
		return
	}

	countBefore := g.presence.BloomCount()

	if old, ok := g.byAccount[msg.AccountID]; ok && old != c {
		g.evict(cfg, old, "Your plant is now tended from another connection.")
		g.presence.Remove(msg.AccountID)
	}

	p, err := g.presence.Admit(context.Background(), msg.AccountID, c.connID, msg.Mood, nowMillis())
	if err != nil {
		logf(cfg, "GARDEN: Session request for %q failed: %v", msg.AccountID, err)

		// The takeover above may already have retracted bloom credit;
		// observers still need the corrected count.
		if count := g.presence.BloomCount(); count != countBefore {
			g.broadcast(PlantCountMessage{Type: "plant_count", Count: count})
		}
		return
	}

	c.accountID = msg.AccountID
	g.byAccount[msg.AccountID] = c

	g.sendTo(c, RestoreSessionMessage{
		Type:       "restore_session",
		ActiveTime: p.ActiveTime,
		Mood:       p.Identity.Mood,
	})
	users, err := g.presence.SnapshotWithStored(context.Background())
	if err != nil {
		logf(cfg, "GARDEN: Bootstrap snapshot fell back to the live view: %v", err)
		users = g.presence.SnapshotAll()
	}
	g.sendTo(c, ExistingUsersMessage{
		Type:  "existing_users",
		Users: users,
	})
	g.sendTo(c, PlantCountMessage{
		Type:  "plant_count",
		Count: g.presence.BloomCount(),
	})

	if count := g.presence.BloomCount(); count != countBefore {
		g.broadcast(PlantCountMessage{Type: "plant_count", Count: count})
	}

	logf(cfg, "GARDEN: %q joined the garden at stage %s", msg.AccountID, p.Growth)
}

// handleCursorUpdate merges a client-reported position and activity into
// the garden and fans the result out to the other clients. A connection
// with no session yet may claim an unbound account id here.
func (g *Garden) handleCursorUpdate(cfg *Config, ev clientEvent) {
	c := ev.client
	msg := ev.msg

	accountID := c.accountID
	if accountID == "" {
		if msg.AccountID == "" {
			return
		}
		if _, bound := g.byAccount[msg.AccountID]; bound {
			return
		}
		accountID = msg.AccountID
		c.accountID = accountID
		g.byAccount[accountID] = c
	}

	p, transition, err := g.presence.UpsertFromClientUpdate(
		context.Background(), accountID, msg.X, msg.Y, msg.ActiveTime, msg.Mood, nowMillis())
	if err != nil {
		logf(cfg, "GARDEN: Cursor update for %q failed: %v", accountID, err)
		return
	}

	g.broadcastExcept(c, CursorUpdateMessage{Type: "cursor_update", User: p})

	if transition != bloomUnchanged {
		g.broadcast(PlantCountMessage{Type: "plant_count", Count: g.presence.BloomCount()})
		logf(cfg, "GARDEN: %q reached %s", accountID, p.Growth)
	}
}

// handleWhisper broadcasts the text to everyone, then feeds every live
// plant: the sender's by 200, everyone else's by 100. Each resulting state
// broadcast precedes any plant count change it caused.
func (g *Garden) handleWhisper(cfg *Config, ev clientEvent) {
	c := ev.client
	text := strings.TrimSpace(ev.msg.Text)
	if c.accountID == "" || text == "" {
		return
	}

	g.broadcast(WhisperMessage{Type: "whisper", ID: c.accountID, Text: text})

	snapshot := g.presence.SnapshotAll()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := nowMillis()
	for _, id := range ids {
		boost := whisperOtherBoost
		if id == c.accountID {
			boost = whisperSenderBoost
		}

		p, transition, err := g.presence.ApplyActivityBoost(context.Background(), id, boost, now)
		if err != nil {
			logf(cfg, "GARDEN: Whisper boost for %q failed: %v", id, err)
			continue
		}

		g.broadcast(CursorUpdateMessage{Type: "cursor_update", User: p})

		if transition == bloomEntered {
			g.broadcast(PlantCountMessage{Type: "plant_count", Count: g.presence.BloomCount()})
			logf(cfg, "GARDEN: %q bloomed on a whisper", id)
		}
	}
}

// handleMoodChange updates the participant's mood label and applies the
// fixed activity boost.
func (g *Garden) handleMoodChange(cfg *Config, ev clientEvent) {
	c := ev.client
	mood := strings.TrimSpace(ev.msg.Mood)
	if c.accountID == "" || mood == "" {
		return
	}

	p, transition, err := g.presence.SetMood(context.Background(), c.accountID, mood, nowMillis())
	if err != nil {
		logf(cfg, "GARDEN: Mood change for %q failed: %v", c.accountID, err)
		return
	}

	g.broadcast(CursorUpdateMessage{Type: "cursor_update", User: p})

	if transition != bloomUnchanged {
		g.broadcast(PlantCountMessage{Type: "plant_count", Count: g.presence.BloomCount()})
	}
}

// reap evicts live participants idle beyond the configured timeout. The
// durable record survives; only the live view and bloom credit go. Clients
// still connected for a reaped account are disconnected.
func (g *Garden) reap(cfg *Config) {
	cutoff := time.Now().Add(-g.idleTimeout).UnixMilli()

	for _, id := range g.presence.IdleSince(cutoff) {
		wasBloomed := g.presence.Remove(id)

		if old, ok := g.byAccount[id]; ok {
			g.evict(cfg, old, "Your plant went dormant after a long sleep.")
		}

		g.broadcast(PlantReapedMessage{Type: "plant_reaped", AccountID: id})

		if wasBloomed {
			g.broadcast(PlantCountMessage{Type: "plant_count", Count: g.presence.BloomCount()})
		}

		logf(cfg, "GARDEN: Reaped %q (bloomed: %t)", id, wasBloomed)
	}
}

// evict disconnects a client and drops its account binding. The caller is
// responsible for any presence or bloom reconciliation.
func (g *Garden) evict(cfg *Config, c *client, reason string) {
	if _, ok := g.clients[c]; ok {
		select {
		case c.send <- SimpleMessage{Type: "evicted", Message: reason}:
		default:
		}
		delete(g.clients, c)
		close(c.send)
	}
	if c.accountID != "" && g.byAccount[c.accountID] == c {
		delete(g.byAccount, c.accountID)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	logf(cfg, "GARDEN: Evicted connection %s", c.connID)
}

// sendTo delivers to a single client, dropping it if its buffer is full.
func (g *Garden) sendTo(c *client, msg any) {
	if _, ok := g.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		delete(g.clients, c)
		close(c.send)
		if c.accountID != "" && g.byAccount[c.accountID] == c {
			delete(g.byAccount, c.accountID)
		}
	}
}

func (g *Garden) broadcast(msg any) {
	for c := range g.clients {
		g.sendTo(c, msg)
	}
}

func (g *Garden) broadcastExcept(skip *client, msg any) {
	for c := range g.clients {
		if c == skip {
			continue
		}
		g.sendTo(c, msg)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket handler for the shared garden.
func serveGardenWS(cfg *Config, g *Garden) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GARDEN: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		c := &client{
			conn:   conn,
			send:   make(chan any, 8),
			connID: uuid.NewString(),
		}

		g.register <- c

		go c.writePump()
		c.readPump(g)
	}
}

func (c *client) readPump(g *Garden) {
	defer func() {
		g.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		ev := clientEvent{client: c, msg: msg}

		switch msg.Type {
		case "check_account":
			g.checks <- ev
		case "request_session":
			g.sessions <- ev
		case "cursor_update":
			g.cursors <- ev
		case "whisper":
			g.whispers <- ev
		case "mood_change":
			g.moods <- ev
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the garden URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /garden/qr; strip trailing "/qr" to get the garden URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed garden/index.html
var gardenHTML []byte

//go:embed garden/app.css
var gardenCSS []byte

//go:embed garden/app.js
var gardenJS []byte

func getGardenHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(gardenHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(gardenCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(gardenJS)
	}
}

// registerGarden sets up routes so that:
//   - $path          → HTML client
//   - $path/ws       → the shared garden WebSocket
//   - $path/qr       → PNG QR code for the garden URL
func registerGarden(cfg *Config, path string, g *Garden, mux *httprouter.Router) {
	mux.GET(cfg.prefix+path, getGardenHandler(cfg))

	mux.GET(cfg.prefix+"/assets/garden/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/garden/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveGardenWS(cfg, g))

	mux.GET(cfg.prefix+path+"/qr", qrHandler)
}
