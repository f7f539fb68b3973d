package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/signal"
)

const defaultRemoteTimeout = 2 * time.Second

// RemoteAdvisor queries an external prediction service over HTTP. Every
// failure mode maps to ErrUnavailable so a dead model service never blocks
// rule evaluation.
type RemoteAdvisor struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewRemoteAdvisor creates a client for the prediction service
func NewRemoteAdvisor(baseURL string, timeout time.Duration, logger zerolog.Logger) *RemoteAdvisor {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteAdvisor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "remote_advisor").Logger(),
	}
}

type predictRequest struct {
	Symbol   string   `json:"symbol"`
	Features Features `json:"features"`
}

type predictResponse struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

// Predict posts the features to the prediction service
func (r *RemoteAdvisor) Predict(ctx context.Context, symbol string, features Features) (*signal.Prediction, error) {
	body, err := json.Marshal(predictRequest{Symbol: symbol, Features: features})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug().Str("symbol", symbol).Err(err).Msg("Prediction service unreachable")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: prediction service returned %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	direction, err := parseDirection(decoded.Direction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &signal.Prediction{
		Direction:  direction,
		Confidence: clamp(decoded.Confidence, 0, 1),
	}, nil
}

func parseDirection(raw string) (signal.Direction, error) {
	switch raw {
	case "LONG", "up":
		return signal.DirectionLong, nil
	case "SHORT", "down":
		return signal.DirectionShort, nil
	case "WAIT", "sideways", "":
		return signal.DirectionWait, nil
	default:
		return signal.DirectionWait, fmt.Errorf("unknown direction %q", raw)
	}
}
