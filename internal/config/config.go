// Package config loads RCord's runtime configuration: listen addresses,
// the database path, and presence timers. Each setting is a `RCORD_*`
// environment variable, overridable by a flag (-host, -port, -media-port,
// -db, -heartbeat-timeout, -check-interval, -admin-addr), following the
// original Python server's config.py naming.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the server's fully-resolved runtime settings.
type Config struct {
	Host             string
	Port             int
	MediaPort        int
	DBPath           string
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
	AdminAddr        string
}

// Load parses args (ordinarily os.Args[1:]) against fs, with each flag's
// default drawn from its RCORD_* environment variable, falling back to the
// built-in defaults when neither is set.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	port := envInt("RCORD_PORT", 8765)
	defaultMediaPort := envInt("RCORD_MEDIA_PORT", port+1)

	host := fs.String("host", envString("RCORD_HOST", "0.0.0.0"), "control/media listen host")
	portFlag := fs.Int("port", port, "control listener port")
	mediaPort := fs.Int("media-port", defaultMediaPort, "media listener port (default: port+1)")
	dbPath := fs.String("db", envString("RCORD_DB_PATH", "DB.dat"), "path to the JSON database file")
	heartbeatTimeout := fs.Duration("heartbeat-timeout", envSeconds("RCORD_HEARTBEAT_TIMEOUT", 60), "presence heartbeat timeout")
	checkInterval := fs.Duration("check-interval", envSeconds("RCORD_CHECK_INTERVAL", 10), "presence sweep interval")
	adminAddr := fs.String("admin-addr", envString("RCORD_ADMIN_ADDR", ":8766"), "admin HTTP API listen address (empty to disable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Without an explicit media port, follow the resolved control port.
	mediaPortSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "media-port" {
			mediaPortSet = true
		}
	})
	if _, envSet := os.LookupEnv("RCORD_MEDIA_PORT"); !mediaPortSet && !envSet {
		*mediaPort = *portFlag + 1
	}

	return &Config{
		Host:             *host,
		Port:             *portFlag,
		MediaPort:        *mediaPort,
		DBPath:           *dbPath,
		HeartbeatTimeout: *heartbeatTimeout,
		CheckInterval:    *checkInterval,
		AdminAddr:        *adminAddr,
	}, nil
}

// ControlAddr is the listen address for the control gateway.
func (c *Config) ControlAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MediaAddr is the listen address for the media gateway.
func (c *Config) MediaAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.MediaPort) }

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}
