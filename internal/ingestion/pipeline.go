package ingestion

import (
	"context"
	"time"

	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"

	"github.com/rs/zerolog"
)

// RunParser decodes raw messages and forwards them to the core's inbound
// channel. Messages are acked once the channel accepts them, not after the
// core applies them: a full channel stalls the consumer instead of letting
// AckWait expire. Unroutable or malformed messages are acked and dropped.
func RunParser(ctx context.Context, rawChan <-chan RawEvent, out chan<- event.Event, metrics *observability.Metrics, logger zerolog.Logger) {
	logger = logger.With().Str("component", "parser").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			et, err := ResolveEventType(raw.Subject)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping message")
				raw.AckFunc()
				continue
			}
			evt, err := ParseRawEvent(raw, et)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
				raw.AckFunc()
				continue
			}

			select {
			case out <- evt:
				raw.AckFunc()
				if metrics != nil {
					metrics.NATSPullLatency.WithLabelValues(et.String()).Observe(time.Since(raw.Timestamp).Seconds())
				}
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}
