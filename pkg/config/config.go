// Package config loads the engine's local identity, transport, queue,
// and FEC tuning parameters from a line-oriented key=value file.
// Grounded on the teacher's pkg/config: the same bufio.Scanner-based
// parser and #-comment convention, repointed from Nest/Cloudflare
// credentials at this engine's own settings.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds local identity, transport, queue, FEC, presence, and
// webhook settings for one Engine (SPEC_FULL.md §4.13).
type Config struct {
	Identity  Identity
	Transport Transport
	Queues    Queues
	FEC       FEC
	Presence  Presence
	Webhook   Webhook
}

// Identity is the name and room a host joins with.
type Identity struct {
	Name string
	Room string
}

// Transport configures where packets go and how ports are bound.
type Transport struct {
	DestIP   string
	PortBase int
	RTCPMux  bool
}

// Queues configures every pipeline stage's bounded-queue and FEC-cache
// capacities.
type Queues struct {
	QueueCapacity     int
	FECCacheCapacity  int
}

// FEC configures symbol size and the redundancy schedule for keyframe
// vs. delta-frame blocks (spec.md §4.6's "FEC rate may differ between
// keyframe and delta-frame blocks").
type FEC struct {
	SymbolSize     int
	RateKeyframe   float64
	RateDelta      float64
	EvictWindow    time.Duration
}

// Presence configures the user manager's idle sweep (spec.md §9's
// best-effort ambiguous-SSRC recovery).
type Presence struct {
	UserIdleWindow time.Duration
}

// Webhook configures an optional best-effort HTTP event notifier
// (SPEC_FULL.md §4.15). URL == "" disables it.
type Webhook struct {
	URL   string
	Token string
}

func defaults() *Config {
	return &Config{
		Transport: Transport{
			PortBase: 7000,
			RTCPMux:  true,
		},
		Queues: Queues{
			QueueCapacity:    32,
			FECCacheCapacity: 64,
		},
		FEC: FEC{
			SymbolSize:   1200,
			RateKeyframe: 0.5,
			RateDelta:    0.25,
			EvictWindow:  2 * time.Second,
		},
		Presence: Presence{
			UserIdleWindow: 30 * time.Second,
		},
	}
}

// Load reads configuration from a key=value file. Any field absent from
// the file keeps its default (spec.md §4.13: "Load returns sane
// defaults for any field absent from the file"), unlike the teacher's
// all-required credential set.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			// If decode fails, use original value
			decodedValue = value
		}

		if err := cfg.apply(key, decodedValue); err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "name":
		c.Identity.Name = value
	case "room":
		c.Identity.Room = value
	case "dest_ip":
		c.Transport.DestIP = value
	case "port_base":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Transport.PortBase = n
	case "rtcp_mux":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.Transport.RTCPMux = b
	case "queue_capacity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Queues.QueueCapacity = n
	case "fec_cache_capacity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Queues.FECCacheCapacity = n
	case "fec_symbol_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.FEC.SymbolSize = n
	case "fec_rate_keyframe":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		c.FEC.RateKeyframe = f
	case "fec_rate_delta":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		c.FEC.RateDelta = f
	case "fec_evict_window_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.FEC.EvictWindow = time.Duration(n) * time.Millisecond
	case "user_idle_window_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Presence.UserIdleWindow = time.Duration(n) * time.Millisecond
	case "webhook_url":
		c.Webhook.URL = value
	case "webhook_token":
		c.Webhook.Token = value
	}
	return nil
}

// Validate only requires Name to be set, and only once a room join is
// attempted: this engine can run capture-only, with no room, unlike the
// teacher's config where every credential is required up front.
func (c *Config) Validate() error {
	if c.Identity.Room != "" && c.Identity.Name == "" {
		return fmt.Errorf("name is required to join a room")
	}
	return nil
}
