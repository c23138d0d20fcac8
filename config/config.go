package config

import (
	"os"
	"strconv"
	"time"
)

// Multicast endpoint and presence cadence are shared constants: peers that
// disagree on them cannot discover each other.
type Config struct {
	MulticastGroup   string
	MulticastPort    int
	PresenceInterval time.Duration
	PollInterval     time.Duration // bound on every blocking receive
	SendTimeout      time.Duration // outbound private-message dial+write
	DBPath           string
	HistoryLimit     int
	ControlSocket    string
}

func Load() *Config {
	cfg := &Config{
		MulticastGroup:   "224.1.1.1",
		MulticastPort:    5007,
		PresenceInterval: 10 * time.Second,
		PollInterval:     1 * time.Second,
		SendTimeout:      5 * time.Second,
		DBPath:           "messenger.db",
		HistoryLimit:     1000,
		ControlSocket:    "/tmp/scarlet.sock",
	}

	if group := os.Getenv("SCARLET_MCAST_GROUP"); group != "" {
		cfg.MulticastGroup = group
	}

	if portStr := os.Getenv("SCARLET_MCAST_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.MulticastPort = port
		}
	}

	if intervalStr := os.Getenv("SCARLET_PRESENCE_INTERVAL"); intervalStr != "" {
		if seconds, err := strconv.Atoi(intervalStr); err == nil {
			cfg.PresenceInterval = time.Duration(seconds) * time.Second
		}
	}

	if dbPath := os.Getenv("SCARLET_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if limitStr := os.Getenv("SCARLET_HISTORY_LIMIT"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			cfg.HistoryLimit = limit
		}
	}

	if sockPath := os.Getenv("SCARLET_CONTROL_SOCKET"); sockPath != "" {
		cfg.ControlSocket = sockPath
	}

	return cfg
}
