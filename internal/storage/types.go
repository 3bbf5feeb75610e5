package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Document names used by the engine.
const (
	DocSubscriptions   = "subscriptions"
	DocCustomTemplates = "custom_templates"
	DocCreatedChannels = "created_channels"
)

// Config configures storage.
//
// Driver values:
//   - "file": one file per document next to Path (json, or yaml when Path ends in .yaml/.yml)
//   - "sqlite": SQLite database file
//   - "memory": nothing survives the process
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one engine event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	ChannelType string    `json:"channel_type,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	Target      string    `json:"target,omitempty"`
	Count       int       `json:"count,omitempty"`
	OK          int       `json:"ok,omitempty"`
	Fail        int       `json:"fail,omitempty"`
	MetaJSON    string    `json:"meta,omitempty"`
}
