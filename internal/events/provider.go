package events

import (
	"fmt"
	"strings"

	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
)

// Provide builds the event bus the config asks for: NATS when nats.url is
// set, the in-process bus otherwise. The returned cleanup drains and closes
// the bus and is safe to defer unconditionally.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		mem := bus.NewMemoryEventBus(log)
		return mem, mem.Close, nil
	}

	nb, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
	}
	return nb, nb.Close, nil
}
