// internal/provider/helius/stream.go
package helius

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/denggit/DynamicSmartFlow3/internal/provider"
	"github.com/denggit/DynamicSmartFlow3/internal/provider/credential"
)

// StreamConfig configures transactionSubscribe sessions. URL may contain a {key} placeholder.
type StreamConfig struct {
	URL          string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	AckTimeout   time.Duration
	Commitment   string
}

func (c *StreamConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.Commitment == "" {
		c.Commitment = "confirmed"
	}
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream opens one websocket per subscribed address.
type Stream struct {
	cfg    StreamConfig
	caller *provider.Caller
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ provider.StreamSource = (*Stream)(nil)

func NewStream(cfg StreamConfig, caller *provider.Caller, logger *zap.Logger) *Stream {
	cfg.setDefaults()
	return &Stream{
		cfg:    cfg,
		caller: caller,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.Named("helius_stream"),
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *uint64            `json:"id"`
	Result json.RawMessage    `json:"result"`
	Error  *jsonrpc.RPCError  `json:"error"`
	Method string             `json:"method"`
	Params *notificationParam `json:"params"`
}

type notificationParam struct {
	Subscription int64              `json:"subscription"`
	Result       notificationResult `json:"result"`
}

type notificationResult struct {
	Signature   string `json:"signature"`
	Slot        uint64 `json:"slot"`
	Transaction struct {
		Transaction struct {
			Signatures []string `json:"signatures"`
		} `json:"transaction"`
		Meta struct {
			Err any `json:"err"`
		} `json:"meta"`
	} `json:"transaction"`
}

const subscribeRequestID = 1

// Subscribe dials the stream with a pooled credential and waits for the subscription ack.
func (s *Stream) Subscribe(ctx context.Context, address string) (provider.StreamSubscription, error) {
	return provider.Do(ctx, s.caller, providerName, "transactionSubscribe",
		func(ctx context.Context, lease credential.Lease) (provider.StreamSubscription, error) {
			return s.open(ctx, lease, address)
		})
}

func (s *Stream) open(ctx context.Context, lease credential.Lease, address string) (*subscription, error) {
	url := provider.ExpandKey(s.cfg.URL, lease.Secret)
	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, &provider.StatusError{
				StatusCode: resp.StatusCode,
				RetryAfter: provider.ParseRetryAfter(resp.Header, time.Now()),
			}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      subscribeRequestID,
		Method:  "transactionSubscribe",
		Params: []any{
			map[string]any{"accountInclude": []string{address}},
			map[string]any{
				"commitment":                     s.cfg.Commitment,
				"encoding":                       "jsonParsed",
				"transactionDetails":             "signatures",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	subID, err := s.awaitAck(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sub := &subscription{
		conn:   conn,
		cfg:    s.cfg,
		events: make(chan provider.StreamEvent, 64),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
		logger: s.logger.With(zap.String("hunter", address), zap.Int64("subscription", subID)),
	}
	sub.start()
	return sub, nil
}

func (s *Stream) awaitAck(conn *websocket.Conn) (int64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AckTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("await subscribe ack: %w", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ID == nil || *msg.ID != subscribeRequestID {
			continue
		}
		if msg.Error != nil {
			return 0, msg.Error
		}
		var subID int64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return 0, fmt.Errorf("%w: subscribe ack: %v", provider.ErrParse, err)
		}
		return subID, nil
	}
}

type subscription struct {
	conn   *websocket.Conn
	cfg    StreamConfig
	events chan provider.StreamEvent
	errCh  chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

func (s *subscription) start() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()
}

func (s *subscription) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *subscription) readLoop() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Dropping undecodable stream message", zap.Error(err))
			continue
		}
		if msg.Method != "transactionNotification" || msg.Params == nil {
			continue
		}

		res := msg.Params.Result
		sig := res.Signature
		if sig == "" && len(res.Transaction.Transaction.Signatures) > 0 {
			sig = res.Transaction.Transaction.Signatures[0]
		}
		if sig == "" {
			s.logger.Warn("Notification without signature")
			continue
		}

		select {
		case s.events <- provider.StreamEvent{Signature: sig, Slot: res.Slot, Failed: res.Transaction.Meta.Err != nil}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (s *subscription) Next(ctx context.Context) (provider.StreamEvent, error) {
	// Deliver buffered notifications before reporting a broken stream.
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errCh:
		return provider.StreamEvent{}, err
	case <-s.done:
		return provider.StreamEvent{}, ErrStreamClosed
	case <-ctx.Done():
		return provider.StreamEvent{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
