package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds client configuration loaded from environment.
type Config struct {
	Signaling SignalingConfig
	WebRTC    WebRTCConfig
	Rooms     RoomsConfig
	Status    StatusConfig
}

// SignalingConfig holds the realtime backend endpoints.
type SignalingConfig struct {
	BaseURL          string // e.g. https://api.example.com
	LivestreamHub    string // hub name for livestream screens
	ChatHub          string // hub name for the chat inbox
	HandshakeTimeout int    // seconds to wait for the hub handshake
}

// WebRTCConfig holds STUN/TURN ICE server URLs.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env, e.g. stun:stun.l.google.com:19302
}

// RoomsConfig holds the room directory poll settings.
type RoomsConfig struct {
	PollIntervalSec int // REST fallback poll interval; 0 disables polling
	RequestTimeout  int // seconds per directory request
}

// StatusConfig holds the local diagnostics endpoint settings.
type StatusConfig struct {
	Port string // empty disables the status server
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	cfg := &Config{
		Signaling: SignalingConfig{
			BaseURL:          getEnv("SIGNALING_BASE_URL", "http://localhost:5000"),
			LivestreamHub:    getEnv("LIVESTREAM_HUB", "LivestreamHub"),
			ChatHub:          getEnv("CHAT_HUB", "ChatHub"),
			HandshakeTimeout: getEnvInt("HUB_HANDSHAKE_TIMEOUT_SEC", 15),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Rooms: RoomsConfig{
			PollIntervalSec: getEnvInt("ROOMS_POLL_INTERVAL_SEC", 30),
			RequestTimeout:  getEnvInt("ROOMS_REQUEST_TIMEOUT_SEC", 10),
		},
		Status: StatusConfig{
			Port: getEnv("STATUS_PORT", ""),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
