package realtime

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/voicewire/realtime-go/events"
)

const (
	ApiKeyEnvVarNameShort = "OPENAI_KEY"
	ApiKeyEnvVarNameLong  = "OPENAI_API_KEY"

	DefaultURL = "wss://api.openai.com/v1/realtime"
)

type clientConfig struct {
	url                string
	model              string
	apiKey             string
	headers            http.Header
	dialTimeout        time.Duration
	instructions       string
	voice              string
	temperature        float64
	speed              float64
	transcriptionModel string
	turnDetection      *events.TurnDetection
	logger             *slog.Logger
	transport          Transport
}

func (c *clientConfig) validate() error {
	if c.apiKey == "" {
		return fmt.Errorf("missing api key")
	}
	return nil
}

type Option func(*clientConfig)

func newClientConfig(opts ...Option) *clientConfig {
	config := &clientConfig{}
	withDefaults()(config)
	WithOptions(opts...)(config)
	return config
}

func WithURL(url string) Option {
	return func(o *clientConfig) {
		o.url = url
	}
}

func WithModel(model string) Option {
	return func(o *clientConfig) {
		o.model = model
	}
}

func WithKey(apiKey string) Option {
	return func(o *clientConfig) {
		o.apiKey = apiKey
	}
}

func WithEnvKey(vars ...string) Option {
	return func(o *clientConfig) {
		for _, envVarName := range vars {
			if k := os.Getenv(envVarName); k != "" {
				o.apiKey = k
				return
			}
		}
	}
}

func WithHeaders(headers http.Header) Option {
	return func(o *clientConfig) {
		o.headers = headers
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *clientConfig) {
		o.dialTimeout = d
	}
}

func WithInstructions(instructions string) Option {
	return func(o *clientConfig) {
		o.instructions = instructions
	}
}

func WithVoice(voice string) Option {
	return func(o *clientConfig) {
		o.voice = voice
	}
}

func WithTemperature(temperature float64) Option {
	return func(o *clientConfig) {
		o.temperature = temperature
	}
}

func WithSpeed(speed float64) Option {
	return func(o *clientConfig) {
		o.speed = speed
	}
}

// WithTranscription enables server-side transcription of input audio with the
// given model.
func WithTranscription(model string) Option {
	return func(o *clientConfig) {
		o.transcriptionModel = model
	}
}

// WithTurnDetection enables server-side voice activity segmentation. Without
// it, buffered input audio must be committed explicitly; CreateResponse does
// that.
func WithTurnDetection(td *events.TurnDetection) Option {
	return func(o *clientConfig) {
		o.turnDetection = td
	}
}

// WithServerVAD enables default server-side turn detection.
func WithServerVAD() Option {
	return WithTurnDetection(&events.TurnDetection{
		Type:              "server_vad",
		CreateResponse:    true,
		InterruptResponse: true,
	})
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientConfig) {
		o.logger = logger
	}
}

func WithDefaultLogger() Option {
	return WithLogger(slog.Default())
}

// WithTransport replaces the websocket transport, mainly for tests.
func WithTransport(t Transport) Option {
	return func(o *clientConfig) {
		o.transport = t
	}
}

func WithOptions(opts ...Option) Option {
	return func(o *clientConfig) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

func withDefaults() Option {
	return WithOptions(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithURL(DefaultURL),
		WithModel("gpt-4o-realtime-preview-2025-06-03"),
		WithVoice("coral"),
		WithTemperature(0.7),
		WithSpeed(1.0),
		WithEnvKey(ApiKeyEnvVarNameShort, ApiKeyEnvVarNameLong),
	)
}
