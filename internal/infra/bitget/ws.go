package bitget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp_go/internal/domain"

	"github.com/gorilla/websocket"
)

// TickerStream maintains a websocket subscription to the futures ticker
// channel and pushes price updates into its output channel. It reconnects
// with a delay on any failure and drops updates when the consumer lags;
// only the latest prices matter for risk monitoring.
type TickerStream struct {
	wsURL   string
	symbols []string
	out     chan *domain.Ticker

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTickerStream creates a stream for the given symbols.
func NewTickerStream(wsURL string, symbols []string) *TickerStream {
	return &TickerStream{
		wsURL:   wsURL,
		symbols: symbols,
		out:     make(chan *domain.Ticker, 256),
	}
}

// Updates returns the channel of incoming price updates.
func (s *TickerStream) Updates() <-chan *domain.Ticker {
	return s.out
}

// Connect starts the connection loop in the background.
func (s *TickerStream) Connect(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectionLoop(ctx)
	return nil
}

func (s *TickerStream) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			slog.Warn("ticker stream connection failed", slog.Any("error", err))
			time.Sleep(baseDelay)
		} else {
			s.readLoop(ctx)
		}
	}
}

func (s *TickerStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		s.closeConnection()
		return err
	}

	go s.pingLoop(ctx)
	slog.Info("ticker stream connected", "symbols", len(s.symbols))
	return nil
}

func (s *TickerStream) subscribe() error {
	args := make([]subscribeArg, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		args = append(args, subscribeArg{InstType: productType, Channel: "ticker", InstId: symbol})
	}
	req := subscribeRequest{Op: "subscribe", Args: args}
	b, _ := json.Marshal(req)
	return s.threadSafeWrite(websocket.TextMessage, b)
}

func (s *TickerStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.threadSafeWrite(websocket.TextMessage, []byte("ping"))
		}
	}
}

func (s *TickerStream) threadSafeWrite(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return fmt.Errorf("no conn")
	}
	return s.conn.WriteMessage(msgType, data)
}

func (s *TickerStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.closeConnection()
			return
		}
		if string(msg) == "pong" {
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *TickerStream) handleMessage(msg []byte) {
	var resp wsTickerResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}
	if resp.Arg.Channel != "ticker" || len(resp.Data) == 0 {
		return
	}

	for _, data := range resp.Data {
		symbol := data.Symbol
		if symbol == "" {
			symbol = resp.Arg.InstId
		}
		ticker := &domain.Ticker{
			Symbol:    symbol,
			LastPrice: parseDecimal(data.LastPr),
			MarkPrice: parseDecimal(data.MarkPrice),
			BidPrice:  parseDecimal(data.BidPr),
			AskPrice:  parseDecimal(data.AskPr),
			Volume24h: parseDecimal(data.BaseVolume),
			Timestamp: time.UnixMilli(resp.Ts),
		}
		select {
		case s.out <- ticker:
		default:
		}
	}
}

func (s *TickerStream) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// Disconnect stops the stream and waits for the connection loop to exit.
func (s *TickerStream) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
}
