package models

import (
	"time"
)

// AlertSeverity classifies how far below its thresholds a stock position is.
type AlertSeverity string

const (
	SeverityLow        AlertSeverity = "low"
	SeverityCritical   AlertSeverity = "critical"
	SeverityOutOfStock AlertSeverity = "out_of_stock"
)

// StockUpdate is the normalized form of a quantity-affecting change record.
// Immutable once built; ObservedAt is assigned at normalization time, not
// transport time.
type StockUpdate struct {
	ProductID        string    `json:"product_id"`
	VariantID        string    `json:"variant_id"`
	PreviousQuantity int       `json:"previous_quantity"`
	NewQuantity      int       `json:"new_quantity"`
	Delta            int       `json:"delta"`
	Reason           string    `json:"reason"`
	ObservedAt       time.Time `json:"observed_at"`
}

// StockAlert is derived from a StockUpdate when the current stock position
// crosses a threshold. At most one alert is produced per update.
type StockAlert struct {
	ProductID    string        `json:"product_id"`
	ProductName  string        `json:"product_name"`
	VariantID    string        `json:"variant_id"`
	VariantName  string        `json:"variant_name"`
	CurrentStock int           `json:"current_stock"`
	Threshold    int           `json:"threshold"`
	Severity     AlertSeverity `json:"severity"`
	RaisedAt     time.Time     `json:"raised_at"`
}

// StatusChange reports a product being activated or deactivated. These are
// kept separate from StockUpdate so status flips never look like stock noise.
type StatusChange struct {
	ProductID  string    `json:"product_id"`
	Active     bool      `json:"active"`
	ObservedAt time.Time `json:"observed_at"`
}

// ConnectionPhase is the supervisor's lifecycle state.
type ConnectionPhase string

const (
	PhaseIdle          ConnectionPhase = "idle"
	PhaseInitializing  ConnectionPhase = "initializing"
	PhaseConnected     ConnectionPhase = "connected"
	PhaseDisconnecting ConnectionPhase = "disconnecting"
	PhaseCircuitOpen   ConnectionPhase = "circuit_open"
)

// ConnectionDetails is a point-in-time snapshot of the supervisor state,
// exposed for health dashboards and diagnostics.
type ConnectionDetails struct {
	Phase          ConnectionPhase `json:"phase"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	ActiveChannels int             `json:"active_channels"`
	Subscribers    int             `json:"subscribers"`
}
