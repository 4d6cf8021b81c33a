package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"data_gateway/logger"
	"data_gateway/models"
	"data_gateway/services/apikey"
	"data_gateway/services/gateway"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64

	// ClientKey attributes push traffic in request logs
	ClientKey = "realtime"
)

// QuoteFetcher is the orchestrator surface the poll loop needs
type QuoteFetcher interface {
	Quote(ctx context.Context, market string, symbols []string) (gateway.Result, error)
}

// Universe lists the symbols a whole-market subscription covers
type Universe interface {
	Symbols(market string) []string
}

// Message is the frame pushed to clients
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

// command is what clients send
type command struct {
	Action  string   `json:"action"`
	Market  string   `json:"market"`
	Symbols []string `json:"symbols"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	allowed []string // key market scope, nil for any

	mu         sync.RWMutex
	subscribed map[string]map[string]bool // market -> symbols
	markets    map[string]bool            // whole-market subscriptions
}

func (c *client) wants(market, symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markets[market] || c.subscribed[market][symbol]
}

func marketAllowed(allowed []string, market string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == market {
			return true
		}
	}
	return false
}

func (c *client) subscribe(market string, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(symbols) == 0 {
		c.markets[market] = true
		return
	}
	set := c.subscribed[market]
	if set == nil {
		set = make(map[string]bool)
		c.subscribed[market] = set
	}
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
}

func (c *client) unsubscribe(market string, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(symbols) == 0 {
		delete(c.markets, market)
		delete(c.subscribed, market)
		return
	}
	for _, s := range symbols {
		delete(c.subscribed[market], s)
	}
}

// Hub pushes polled quotes to subscribed WebSocket clients
type Hub struct {
	fetcher    QuoteFetcher
	universe   Universe
	interval   time.Duration
	maxClients int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type Option func(*Hub)

func WithInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithUniverse sets the symbols pushed to whole-market subscribers
func WithUniverse(u Universe) Option {
	return func(h *Hub) {
		if u != nil {
			h.universe = u
		}
	}
}

func New(fetcher QuoteFetcher, opts ...Option) *Hub {
	h := &Hub{
		fetcher:    fetcher,
		interval:   3 * time.Second,
		maxClients: 500,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the poll loop until Stop
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.poll()
	logger.WithComponent("realtime").WithFields(logger.Fields{
		"interval":    h.interval.String(),
		"max_clients": h.maxClients,
	}).Info("realtime quote hub started")
}

// Stop closes every client and waits for the loops to exit
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.stop)
		h.wg.Wait()

		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			c.conn.Close()
		}
		h.clients = make(map[*client]bool)
		h.mu.Unlock()
	})
}

// add registers c unless the hub is full or stopped
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stop:
		return false
	default:
	}
	if len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logger.WithComponent("realtime").WithField("clients", n).Debug("websocket client disconnected")
}

// ClientCount reports connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request; the client subscribes by command
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, nil)
}

// HandleMarket upgrades the request already subscribed to every universe
// symbol of market
func (h *Hub) HandleMarket(w http.ResponseWriter, r *http.Request, market string) {
	h.serve(w, r, &command{Action: "subscribe", Market: market})
}

// HandleSymbols upgrades the request already subscribed to symbols
func (h *Hub) HandleSymbols(w http.ResponseWriter, r *http.Request, market string, symbols []string) {
	var clean []string
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		http.Error(w, "symbols is required", http.StatusBadRequest)
		return
	}
	h.serve(w, r, &command{Action: "subscribe", Market: market, Symbols: clean})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, initial *command) {
	allowed := apikey.AllowedMarkets(r.Context())
	if initial != nil {
		if !models.IsSupportedMarket(initial.Market) {
			http.Error(w, "unsupported market", http.StatusBadRequest)
			return
		}
		if !marketAllowed(allowed, initial.Market) {
			http.Error(w, "market not allowed for this key", http.StatusForbidden)
			return
		}
	}
	if h.ClientCount() >= h.maxClients {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("realtime").WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		allowed:    allowed,
		subscribed: make(map[string]map[string]bool),
		markets:    make(map[string]bool),
	}
	if !h.add(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
		conn.Close()
		logger.WithComponent("realtime").WithField("max_clients", h.maxClients).Warn("websocket client rejected, at capacity")
		return
	}
	go c.writePump()
	if initial != nil {
		c.subscribe(initial.Market, initial.Symbols)
		h.deliver(c, "subscribed", map[string]interface{}{"market": initial.Market, "symbols": initial.Symbols})
	}
	go h.readPump(c)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithComponent("realtime").WithError(err).Debug("websocket read error")
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			h.deliver(c, "error", "malformed command")
			continue
		}
		if cmd.Action == "ping" {
			h.deliver(c, "pong", nil)
			continue
		}
		if !models.IsSupportedMarket(cmd.Market) {
			h.deliver(c, "error", "unsupported market")
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if !marketAllowed(c.allowed, cmd.Market) {
				h.deliver(c, "error", "market not allowed for this key")
				continue
			}
			c.subscribe(cmd.Market, cmd.Symbols)
		case "unsubscribe":
			c.unsubscribe(cmd.Market, cmd.Symbols)
		default:
			h.deliver(c, "error", "unknown action")
			continue
		}
		h.deliver(c, cmd.Action+"d", map[string]interface{}{"market": cmd.Market, "symbols": cmd.Symbols})
	}
}

// deliver queues one frame; a client that cannot keep up is dropped
func (h *Hub) deliver(c *client, msgType string, data interface{}) {
	b, err := json.Marshal(Message{Type: msgType, Data: data, Time: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) poll() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.pushQuotes()
		}
	}
}

// wanted is the union of subscriptions, market -> sorted symbols
func (h *Hub) wanted() map[string][]string {
	union := make(map[string]map[string]bool)
	h.mu.RLock()
	for c := range h.clients {
		c.mu.RLock()
		for market := range c.markets {
			if h.universe == nil {
				continue
			}
			if union[market] == nil {
				union[market] = make(map[string]bool)
			}
			for _, s := range h.universe.Symbols(market) {
				union[market][s] = true
			}
		}
		for market, set := range c.subscribed {
			if union[market] == nil {
				union[market] = make(map[string]bool)
			}
			for s := range set {
				union[market][s] = true
			}
		}
		c.mu.RUnlock()
	}
	h.mu.RUnlock()

	out := make(map[string][]string, len(union))
	for market, set := range union {
		if len(set) == 0 {
			continue
		}
		syms := make([]string, 0, len(set))
		for s := range set {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		out[market] = syms
	}
	return out
}

func (h *Hub) pushQuotes() {
	ctx, cancel := context.WithTimeout(gateway.WithClientKey(context.Background(), ClientKey), h.interval*2)
	defer cancel()

	for market, symbols := range h.wanted() {
		res, err := h.fetcher.Quote(ctx, market, symbols)
		if err != nil {
			logger.WithComponent("realtime").WithError(err).WithField("market", market).Warn("quote poll failed")
			continue
		}
		quotes, _ := res.Payload.(models.QuotePayload)

		h.mu.RLock()
		clients := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.RUnlock()

		for _, c := range clients {
			var mine []models.Quote
			for _, q := range quotes.Items {
				if c.wants(market, q.Symbol) {
					mine = append(mine, q)
				}
			}
			if len(mine) > 0 {
				h.deliver(c, "quote", mine)
			}
		}
	}
}
