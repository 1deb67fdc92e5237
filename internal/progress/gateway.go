package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GatewayConfig configures a progress Gateway.
type GatewayConfig struct {
	Bus    Bus
	Logger *slog.Logger
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway fans progress events out to WebSocket observers. Each item has a
// single observer slot: a later subscription for the same item silently
// replaces the earlier one, and a stale connection closing must never evict
// the newer holder.
type Gateway struct {
	bus    Bus
	logger *slog.Logger

	heartbeatInterval time.Duration

	mu      sync.RWMutex
	holders map[string]*client

	startOnce sync.Once
	stopOnce  sync.Once
	sub       Subscription
	done      chan struct{}
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		bus:               cfg.Bus,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		holders:           make(map[string]*client),
		done:              make(chan struct{}),
	}
}

// Start subscribes to the progress channel pattern and begins forwarding.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		g.sub = g.bus.PSubscribe(ChannelPattern)
		go g.forward()
	})
}

// Shutdown stops forwarding and closes every connected observer.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() {
		close(g.done)
		if g.sub != nil {
			g.sub.Close()
		}
		g.mu.Lock()
		holders := make([]*client, 0, len(g.holders))
		for _, c := range g.holders {
			holders = append(holders, c)
		}
		g.holders = make(map[string]*client)
		g.mu.Unlock()
		for _, c := range holders {
			c.close()
		}
	})
	return ctx.Err()
}

// forward relays bus payloads verbatim to the holder of each item's slot.
func (g *Gateway) forward() {
	for {
		select {
		case <-g.done:
			return
		case msg, ok := <-g.sub.Messages():
			if !ok {
				return
			}
			itemID, ok := ItemFromChannel(msg.Channel)
			if !ok {
				continue
			}
			g.mu.RLock()
			holder := g.holders[itemID]
			g.mu.RUnlock()
			if holder == nil {
				continue
			}
			select {
			case holder.send <- msg.Payload:
			default:
				// Slow observer: drop rather than stall the fan-out loop.
			}
		}
	}
}

// HandleConnection upgrades the HTTP request to a WebSocket observer.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 16),
		done:    make(chan struct{}),
		items:   make(map[string]struct{}),
		cancel:  cancel,
	}

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

// register claims the item's observer slot for c, displacing any previous
// holder without closing its connection.
func (g *Gateway) register(itemID string, c *client) {
	g.mu.Lock()
	g.holders[itemID] = c
	g.mu.Unlock()
}

// unregister releases the item's slot only when c still holds it.
func (g *Gateway) unregister(itemID string, c *client) {
	g.mu.Lock()
	if g.holders[itemID] == c {
		delete(g.holders, itemID)
	}
	g.mu.Unlock()
}

type client struct {
	gateway *Gateway
	conn    *Conn
	// send is never closed; writeLoop shutdown is signalled through done so
	// the fan-out loop can keep using its non-blocking send safely.
	send   chan []byte
	done   chan struct{}
	closed sync.Once
	cancel context.CancelFunc

	mu    sync.Mutex
	items map[string]struct{}
}

type inboundMessage struct {
	Action string `json:"action"`
	ItemID string `json:"itemId"`
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop processes subscribe/unsubscribe frames. The server never writes
// anything but forwarded progress events, so malformed frames and unknown
// actions are logged and ignored.
func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.gateway.logger.Debug("ignoring malformed observer frame", "error", err)
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.handleSubscribe(msg.ItemID)
		case "unsubscribe":
			c.handleUnsubscribe(msg.ItemID)
		default:
			c.gateway.logger.Debug("ignoring unknown observer action", "action", msg.Action)
		}
	}
}

func (c *client) handleSubscribe(itemID string) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return
	}
	c.gateway.register(itemID, c)
	c.mu.Lock()
	c.items[itemID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) handleUnsubscribe(itemID string) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return
	}
	c.gateway.unregister(itemID, c)
	c.mu.Lock()
	delete(c.items, itemID)
	c.mu.Unlock()
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		items := make([]string, 0, len(c.items))
		for itemID := range c.items {
			items = append(items, itemID)
		}
		c.mu.Unlock()
		for _, itemID := range items {
			c.gateway.unregister(itemID, c)
		}
		close(c.done)
		_ = c.conn.Close()
	})
}
