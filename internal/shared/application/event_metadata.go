package application

import (
	"context"

	"github.com/felixgeelhaar/cadence/internal/shared/domain"
	"github.com/felixgeelhaar/cadence/pkg/observability"
	"github.com/google/uuid"
)

type metadataSetter interface {
	SetMetadata(metadata domain.EventMetadata)
}

// NewEventMetadata creates command-scoped metadata for domain events. When
// the context carries a correlation ID it is reused, so every event of one
// API request or CLI invocation correlates.
func NewEventMetadata(ctx context.Context) domain.EventMetadata {
	meta := domain.EventMetadata{
		CorrelationID: uuid.New(),
		CausationID:   uuid.New(),
	}
	if id, err := uuid.Parse(observability.CorrelationIDFromContext(ctx)); err == nil {
		meta.CorrelationID = id
	}
	return meta
}

// ApplyEventMetadata sets metadata on all events that support it.
func ApplyEventMetadata(events []domain.DomainEvent, metadata domain.EventMetadata) {
	for _, event := range events {
		if setter, ok := event.(metadataSetter); ok {
			setter.SetMetadata(metadata)
		}
	}
}
