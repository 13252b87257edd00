package metrics

import (
	"math"
	"time"
)

// PeerTraffic is a point-in-time transfer snapshot for one peer.
type PeerTraffic struct {
	PublicKey     string    `json:"public_key"`
	Name          string    `json:"name,omitempty"`
	RxBytes       int64     `json:"rx_bytes"`
	TxBytes       int64     `json:"tx_bytes"`
	RxMB          float64   `json:"rx_mb"`
	TxMB          float64   `json:"tx_mb"`
	LastHandshake time.Time `json:"last_handshake,omitempty"`
	Connected     bool      `json:"connected"`
}

// Summary aggregates peer counts for a status report.
type Summary struct {
	Total     int `json:"total"`
	Enabled   int `json:"enabled"`
	Connected int `json:"connected"`
}

// BytesToMB converts a byte count to megabytes rounded to two decimals.
func BytesToMB(n uint64) float64 {
	mb := float64(n) / (1024 * 1024)
	return math.Round(mb*100) / 100
}
