package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/overrangefutures/engine/internal/domain"
)

// Reconnection tuning, grounded on the teacher's
// internal/clients/tradernet/websocket_client.go.
const (
	wsWriteWait            = 10 * time.Second
	wsDialTimeout          = 30 * time.Second
	wsBaseReconnectDelay   = 5 * time.Second
	wsMaxReconnectDelay    = 5 * time.Minute
	wsMaxReconnectAttempts = 10
)

// quoteStream is the broker's websocket quote subscription manager,
// implementing domain.BrokerClient's SubscribeQuotes/UnsubscribeQuotes.
type quoteStream struct {
	url        string
	httpClient *http.Client

	mu       sync.RWMutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	handlers map[string]domain.QuoteHandler // symbol -> handler
	stopped  bool
	stopChan chan struct{}
}

// createHTTP1Client forces HTTP/1.1 ALPN: many futures-data CDNs negotiate
// HTTP/2 by default, but the websocket upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

func newQuoteStream(url string) *quoteStream {
	return &quoteStream{
		url:        url,
		httpClient: createHTTP1Client(),
		handlers:   make(map[string]domain.QuoteHandler),
		stopChan:   make(chan struct{}),
	}
}

func (c *Client) SubscribeQuotes(ctx context.Context, symbol string, handler domain.QuoteHandler) error {
	if c.quotes == nil {
		c.quotes = newQuoteStream(c.wsURL)
	}
	c.quotes.mu.Lock()
	firstSubscriber := len(c.quotes.handlers) == 0
	c.quotes.handlers[symbol] = handler
	c.quotes.mu.Unlock()

	if firstSubscriber {
		if err := c.quotes.connect(ctx); err != nil {
			c.log.Warn().Err(err).Msg("initial quote stream connect failed, retrying in background")
			go c.quotes.reconnectLoop(c.log)
			return nil
		}
		go c.quotes.readLoop(c.log)
	} else {
		if err := c.quotes.sendSubscribe(ctx, symbol); err != nil {
			return fmt.Errorf("broker: subscribe quotes %s: %w", symbol, err)
		}
	}
	return nil
}

func (c *Client) UnsubscribeQuotes(symbol string) error {
	if c.quotes == nil {
		return nil
	}
	c.quotes.mu.Lock()
	delete(c.quotes.handlers, symbol)
	c.quotes.mu.Unlock()
	return nil
}

func (qs *quoteStream) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, qs.url, &websocket.DialOptions{HTTPClient: qs.httpClient})
	if err != nil {
		return fmt.Errorf("dial quote stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	qs.mu.Lock()
	qs.conn = conn
	qs.cancel = connCancel
	symbols := make([]string, 0, len(qs.handlers))
	for s := range qs.handlers {
		symbols = append(symbols, s)
	}
	qs.mu.Unlock()

	for _, s := range symbols {
		if err := qs.sendSubscribe(connCtx, s); err != nil {
			connCancel()
			conn.Close(websocket.StatusInternalError, "resubscribe failed")
			return fmt.Errorf("resubscribe %s: %w", s, err)
		}
	}
	return nil
}

func (qs *quoteStream) sendSubscribe(ctx context.Context, symbol string) error {
	qs.mu.RLock()
	conn := qs.conn
	qs.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(map[string]string{"action": "subscribe", "symbol": symbol})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

type quoteWireMsg struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Size   int64   `json:"size"`
	TS     int64   `json:"ts"`
}

func (qs *quoteStream) readLoop(log zerolog.Logger) {
	for {
		qs.mu.RLock()
		conn := qs.conn
		stopped := qs.stopped
		qs.mu.RUnlock()
		if stopped || conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			if !stopped {
				log.Warn().Err(err).Msg("quote stream read failed, reconnecting")
				go qs.reconnectLoop(log)
			}
			return
		}

		var msg quoteWireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // malformed frame: drop and keep reading, per spec.md quote-stream tolerance
		}

		qs.mu.RLock()
		handler, ok := qs.handlers[msg.Symbol]
		qs.mu.RUnlock()
		if !ok {
			continue
		}
		handler(domain.Quote{Symbol: msg.Symbol, Price: msg.Price, Size: msg.Size, Timestamp: unixToTime(msg.TS)})
	}
}

func (qs *quoteStream) reconnectLoop(log zerolog.Logger) {
	attempt := 0
	for attempt < wsMaxReconnectAttempts {
		select {
		case <-qs.stopChan:
			return
		default:
		}

		qs.mu.RLock()
		stopped := qs.stopped
		qs.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := qs.calculateBackoff(attempt)
		time.Sleep(delay)

		if err := qs.connect(context.Background()); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("quote stream reconnect failed")
			continue
		}
		go qs.readLoop(log)
		return
	}
	log.Error().Msg("quote stream gave up reconnecting after max attempts")
}

func (qs *quoteStream) calculateBackoff(attempt int) time.Duration {
	d := time.Duration(float64(wsBaseReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if d > wsMaxReconnectDelay {
		d = wsMaxReconnectDelay
	}
	return d
}

func (qs *quoteStream) stop() {
	qs.mu.Lock()
	if qs.stopped {
		qs.mu.Unlock()
		return
	}
	qs.stopped = true
	conn := qs.conn
	cancel := qs.cancel
	qs.mu.Unlock()

	close(qs.stopChan)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
