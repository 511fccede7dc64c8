package jobs

import (
	"context"
	"time"

	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/services"

	"github.com/rs/zerolog"
)

// PriceRecorder samples the oracle into the price history and periodically
// broadcasts the current price.
type PriceRecorder struct {
	prices            *services.PriceService
	events            services.EventPublisher
	sampleInterval    time.Duration
	broadcastInterval time.Duration
	logger            zerolog.Logger
	stopChan          chan struct{}
}

func NewPriceRecorder(
	prices *services.PriceService,
	events services.EventPublisher,
	sampleInterval, broadcastInterval time.Duration,
	logger zerolog.Logger,
) *PriceRecorder {
	return &PriceRecorder{
		prices:            prices,
		events:            events,
		sampleInterval:    sampleInterval,
		broadcastInterval: broadcastInterval,
		logger:            logger,
		stopChan:          make(chan struct{}),
	}
}

// Start records an initial sample, then loops until Stop is called
func (p *PriceRecorder) Start() {
	p.logger.Info().
		Dur("sample_interval", p.sampleInterval).
		Dur("broadcast_interval", p.broadcastInterval).
		Msg("starting price recorder")

	ctx := context.Background()
	p.Sample(ctx)

	sample := time.NewTicker(p.sampleInterval)
	defer sample.Stop()
	broadcast := time.NewTicker(p.broadcastInterval)
	defer broadcast.Stop()

	for {
		select {
		case <-sample.C:
			p.Sample(ctx)
		case <-broadcast.C:
			p.Broadcast(ctx)
		case <-p.stopChan:
			p.logger.Info().Msg("stopping price recorder")
			return
		}
	}
}

// Stop stops the recorder loop
func (p *PriceRecorder) Stop() {
	close(p.stopChan)
}

// Sample fetches a fresh price and appends it to the history.
func (p *PriceRecorder) Sample(ctx context.Context) {
	sample, err := p.prices.Refresh(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("price sample skipped")
		return
	}
	p.prices.RecordSample(sample)
}

// Broadcast publishes the current price to subscribers.
func (p *PriceRecorder) Broadcast(ctx context.Context) {
	sample, err := p.prices.GetCurrentPrice(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("no price to broadcast")
		return
	}
	p.events.Emit(notify.PriceUpdated{Sample: sample})
}
