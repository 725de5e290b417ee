package statusapi

import (
	"context"

	"github.com/xcpfolio/fulfillment-agent/internal/fulfillment"
	"github.com/xcpfolio/fulfillment-agent/internal/maintenance"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
)

// FulfillmentStatus is the read-only view the fulfillment controller exposes.
type FulfillmentStatus interface {
	GetState() fulfillment.Snapshot
}

// MaintenanceStatus is the read-only view the maintenance controller exposes.
type MaintenanceStatus interface {
	GetStatus(ctx context.Context) maintenance.Status
}

// HistoryReader is the read-only view of the bounded transfer/open-order
// history orderhistory.Store publishes into.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]orderhistory.Entry, error)
}
