// Versus: online head-to-head tic-tac-toe
//
// Every browser tab is one player, identified by cookie. Players press
// "find a match" and are paired with whoever else is searching; the session
// record in the store is the only shared state, and each connection runs its
// own versus.Controller against it.
//
// Features:
// - One WebSocket per tab at /versus/ws, speaking small JSON messages
// - Client messages: search, cancel, move, skip_intro, exit
// - Server messages: state (full controller state) and error (stable code)
// - Closing the tab mid-game hands the opponent a forfeit after the grace period
// - QR code at /versus/qr so a friend can join from their phone
// - Per-player score history at /versus/results when backed by sqlite

package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/versus/games/session"
	"github.com/Seednode/versus/games/versus"
)

const (
	playerCookieName = "versus_id"

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 512
)

// Messages coming from clients
type clientMessage struct {
	Type string `json:"type"`           // "search", "cancel", "move", "skip_intro", "exit"
	Cell *int   `json:"cell,omitempty"` // move
}

// Messages sent to clients
type stateMessage struct {
	Type  string       `json:"type"` // "state"
	State versus.State `json:"state"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type resultLister interface {
	Results(ctx context.Context, playerID string) ([]session.Result, error)
}

type client struct {
	conn     *websocket.Conn
	replies  chan any
	playerID string
	ctrl     *versus.Controller
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newPlayerID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}

func playerCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func playerIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	return ""
}

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if id := playerIDFromRequest(r); id != "" {
		return id
	}

	id := newPlayerID()
	if id != "" {
		http.SetCookie(w, playerCookie(id))
	}

	return id
}

func serveVersusWS(cfg *Config, engine *versus.Engine) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var header http.Header

		playerID := playerIDFromRequest(r)
		if playerID == "" {
			playerID = newPlayerID()
			if playerID == "" {
				http.Error(w, "could not assign player id", http.StatusInternalServerError)
				return
			}
			header = http.Header{"Set-Cookie": {playerCookie(playerID).String()}}
		}

		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			logf(cfg, "ERROR: websocket upgrade for %s: %v", realIP(r), err)
			return
		}

		c := &client{
			conn:     conn,
			replies:  make(chan any, 8),
			playerID: playerID,
			ctrl:     engine.NewController(),
		}

		logf(cfg, "GAMES: Player %s connected from %s", playerID, realIP(r))

		go c.writePump()
		c.readPump(cfg)

		logf(cfg, "GAMES: Player %s disconnected", playerID)
	}
}

// reply queues a message for this connection only. If the writer is backed
// up the message is dropped; the next state update supersedes it anyway.
func (c *client) reply(msg any) {
	select {
	case c.replies <- msg:
	default:
	}
}

func (c *client) replyError(err error) {
	c.reply(errorMessage{Type: "error", Code: versus.Code(err), Message: err.Error()})
}

func (c *client) readPump(cfg *Config) {
	defer func() {
		exitCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := c.ctrl.Exit(exitCtx); err != nil {
			logf(cfg, "ERROR: exit for player %s: %v", c.playerID, err)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.handle(ctx, msg)
		cancel()

		if errors.Is(err, errExit) {
			return
		}
		if err != nil {
			logf(cfg, "GAMES: Player %s %s rejected: %v", c.playerID, msg.Type, err)
			c.replyError(err)
		}
	}
}

var errExit = errors.New("client exit")

func (c *client) handle(ctx context.Context, msg clientMessage) error {
	switch msg.Type {
	case "search":
		return c.ctrl.StartSearch(ctx, c.playerID)
	case "cancel":
		return c.ctrl.CancelSearch(ctx)
	case "move":
		if msg.Cell == nil {
			return &versus.MoveError{Reason: "cell is required", Cell: -1}
		}
		return c.ctrl.SubmitMove(ctx, *msg.Cell)
	case "skip_intro":
		c.ctrl.SkipIntro()
		return nil
	case "exit":
		return errExit
	default:
		// ignore unknown types
		return nil
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	updates := c.ctrl.Updates()
	c.reply(stateMessage{Type: "state", State: c.ctrl.State()})

	for {
		var msg any

		select {
		case st, ok := <-updates:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			msg = stateMessage{Type: "state", State: st}
		case msg = <-c.replies:
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return
			}
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the versus page URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../versus/qr; strip trailing "/qr" to get the game URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func serveResults(cfg *Config, results resultLister, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		playerID := playerIDFromRequest(r)
		if playerID == "" {
			http.Error(w, "no player cookie", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		list, err := results.Results(ctx, playerID)
		if err != nil {
			errs <- err
			http.Error(w, "could not load results", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []session.Result{}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(list); err != nil {
			errs <- err
		}
	}
}

// ---- Static file paths ----

//go:embed versus/index.html
var versusHTML string

func getIndexHandler(cfg *Config) httprouter.Handle {
	page := strings.ReplaceAll(versusHTML, "{{prefix}}", cfg.prefix)

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write([]byte(page))
	}
}

// registerVersusGame sets up routes so that:
//   - $path          → HTML client
//   - $path/ws       → WebSocket for the calling player
//   - $path/qr       → PNG QR code for the page URL
//   - $path/results  → the caller's past results (sqlite only)
func registerVersusGame(cfg *Config, path string, mux *httprouter.Router, engine *versus.Engine, results resultLister, errs chan<- error) {
	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveVersusWS(cfg, engine))

	mux.GET(cfg.prefix+path+"/qr", qrHandler(cfg))

	if results != nil {
		mux.GET(cfg.prefix+path+"/results", serveResults(cfg, results, errs))
	}
}
