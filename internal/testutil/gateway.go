package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/protocol"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

// Gateway is an in-process websocket server that speaks the channel protocol.
// It verifies bearer credentials on the handshake and records inbound frames.
type Gateway struct {
	Server     *httptest.Server
	Received   chan *protocol.Frame
	signingKey []byte

	mu         sync.Mutex
	conns      map[*websocket.Conn]struct{}
	handshakes int
	failNext   int
}

func NewGateway(t *testing.T) *Gateway {
	g := &Gateway{
		Received:   make(chan *protocol.Frame, 256),
		signingKey: []byte("gateway_test_secret"),
		conns:      make(map[*websocket.Conn]struct{}),
	}

	g.Server = httptest.NewServer(http.HandlerFunc(g.serveWs))
	t.Cleanup(func() {
		g.DropConnections()
		g.Server.Close()
	})

	return g
}

// URL returns the ws:// endpoint of the gateway.
func (g *Gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.Server.URL, "http")
}

// Token mints a credential the gateway accepts for userId.
func (g *Gateway) Token(t *testing.T, userId int64, exp time.Duration) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	s, err := token.SignedString(g.signingKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// FailHandshakes makes the next n handshakes fail with 503.
func (g *Gateway) FailHandshakes(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

func (g *Gateway) Handshakes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handshakes
}

func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Push writes frame to every open connection.
func (g *Gateway) Push(frame *protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}
	return nil
}

// PushEvent encodes payload as a frame of the given kind and pushes it.
func (g *Gateway) PushEvent(t *testing.T, kind protocol.Kind, payload any) {
	f, err := protocol.NewFrame(kind, "", payload)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if err := g.Push(f); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

// DropConnections closes every open connection to force a reconnect.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.Close()
		delete(g.conns, c)
	}
}

// NextFrame waits for the next frame received from a client.
func (g *Gateway) NextFrame(t *testing.T, timeout time.Duration) *protocol.Frame {
	select {
	case f := <-g.Received:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame received within %s", timeout)
		return nil
	}
}

func (g *Gateway) verifyToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return fmt.Errorf("invalid token")
	}

	return nil
}

func (g *Gateway) serveWs(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.handshakes++
	fail := g.failNext > 0
	if fail {
		g.failNext--
	}
	g.mu.Unlock()

	if fail {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := g.verifyToken(tokenString); err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.conns, conn)
			g.mu.Unlock()
			conn.Close()
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var f protocol.Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}

			select {
			case g.Received <- &f:
			default:
			}
		}
	}()
}
