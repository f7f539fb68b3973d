package exchange

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	futuresStreamURL        = "wss://fstream.binance.com"
	futuresTestnetStreamURL = "wss://stream.binancefuture.com"

	streamReconnectDelay = 3 * time.Second
	streamDialRetryDelay = 5 * time.Second
)

// markPriceEvent is one entry of the !markPrice@arr stream
type markPriceEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	MarkPrice float64 `json:"p,string"`
}

// MarkPriceStream subscribes to the combined mark-price stream and invokes
// a callback per tick. It reconnects on connection loss until stopped.
type MarkPriceStream struct {
	mu         sync.RWMutex
	baseURL    string
	wsConn     *websocket.Conn
	isRunning  bool
	stopChan   chan struct{}
	onPrice    func(symbol string, price float64, at time.Time)
	reconnects int
	lastUpdate time.Time
	logger     zerolog.Logger
}

// NewMarkPriceStream creates a stream client. onPrice must be non-blocking.
func NewMarkPriceStream(testnet bool, onPrice func(symbol string, price float64, at time.Time), logger zerolog.Logger) *MarkPriceStream {
	baseURL := futuresStreamURL
	if testnet {
		baseURL = futuresTestnetStreamURL
	}

	return &MarkPriceStream{
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
		onPrice:  onPrice,
		logger:   logger.With().Str("component", "MarkPriceStream").Logger(),
	}
}

// Start begins the stream connection loop
func (s *MarkPriceStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.connect()

	s.logger.Info().Msg("Mark price stream started")
}

// Stop closes the stream
func (s *MarkPriceStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.isRunning = false
	close(s.stopChan)

	if s.wsConn != nil {
		s.wsConn.Close()
	}

	s.logger.Info().Msg("Mark price stream stopped")
}

// IsRunning returns true while the stream loop is active
func (s *MarkPriceStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastUpdate returns the time of the most recent tick
func (s *MarkPriceStream) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

func (s *MarkPriceStream) connect() {
	wsURL := s.baseURL + "/ws/!markPrice@arr@1s"

	for {
		s.mu.RLock()
		if !s.isRunning {
			s.mu.RUnlock()
			return
		}
		s.mu.RUnlock()

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", streamDialRetryDelay).Msg("Stream connection failed")
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()

			select {
			case <-s.stopChan:
				return
			case <-time.After(streamDialRetryDelay):
			}
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.reconnects = 0
		s.mu.Unlock()

		s.logger.Info().Msg("Mark price stream connected")

		s.readLoop(conn)

		s.mu.RLock()
		isRunning := s.isRunning
		s.mu.RUnlock()
		if !isRunning {
			return
		}

		s.logger.Warn().Dur("retry_in", streamReconnectDelay).Msg("Stream connection lost, reconnecting")
		select {
		case <-s.stopChan:
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}

func (s *MarkPriceStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("Stream closed normally")
			} else {
				s.logger.Warn().Err(err).Msg("Stream read error")
			}
			return
		}

		var events []markPriceEvent
		if err := json.Unmarshal(message, &events); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse stream message")
			continue
		}

		now := time.Now()
		s.mu.Lock()
		s.lastUpdate = now
		s.mu.Unlock()

		if s.onPrice == nil {
			continue
		}
		for _, ev := range events {
			if ev.MarkPrice > 0 {
				s.onPrice(ev.Symbol, ev.MarkPrice, now)
			}
		}
	}
}
