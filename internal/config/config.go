package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	pion "github.com/pion/webrtc/v4"
)

// Default configuration values (production)
const (
	DefaultDomain         = "agents.warpvoice.dev"
	DefaultSTUN           = "stun:stun.l.google.com:19302"
	DefaultCaptureBackend = "device"
	DefaultFFmpegPath     = "ffmpeg"
	DefaultChunkPath      = "both"

	DefaultChunkInterval     = 500 * time.Millisecond
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultPongTimeout       = 10 * time.Second
	DefaultCeiling           = 30 * time.Second
)

const (
	BackendDevice = "device"
	BackendFFmpeg = "ffmpeg"
)

// Config holds application configuration
type Config struct {
	// Domain is the agent server host, optionally with a port.
	Domain   string
	Insecure bool

	// ServerURL is constructed from domain
	ServerURL string

	AgentID string
	APIKey  string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	CaptureBackend string
	FFmpegPath     string
	FFmpegFormat   string
	FFmpegDevice   string

	ChunkInterval time.Duration
	ChunkPath     string
	DataChannel   bool

	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	Ceiling           time.Duration

	HistoryDB string

	// File is the TOML file that was read, if any.
	File string
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	ConfigFile string

	Domain     string
	Insecure   bool
	AgentID    string
	APIKey     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	CaptureBackend string
	FFmpegPath     string
	ChunkInterval  time.Duration
	ChunkPath      string
	NoDataChannel  bool
	HistoryDB      string
}

// fileConfig mirrors config.toml.
type fileConfig struct {
	Domain   string `toml:"domain"`
	Insecure bool   `toml:"insecure"`
	AgentID  string `toml:"agent_id"`
	APIKey   string `toml:"api_key"`

	ICE struct {
		STUN       string `toml:"stun"`
		TURN       string `toml:"turn"`
		Username   string `toml:"username"`
		Password   string `toml:"password"`
		ForceRelay bool   `toml:"force_relay"`
	} `toml:"ice"`

	Capture struct {
		Backend      string   `toml:"backend"`
		FFmpegPath   string   `toml:"ffmpeg_path"`
		FFmpegFormat string   `toml:"ffmpeg_format"`
		FFmpegDevice string   `toml:"ffmpeg_device"`
		Interval     duration `toml:"chunk_interval"`
		ChunkPath    string   `toml:"chunk_path"`
		DataChannel  *bool    `toml:"data_channel"`
	} `toml:"capture"`

	Connection struct {
		Keepalive   duration `toml:"keepalive"`
		PongTimeout duration `toml:"pong_timeout"`
		Ceiling     duration `toml:"reconnect_ceiling"`
	} `toml:"connection"`

	History struct {
		Database string `toml:"database"`
	} `toml:"history"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (a .env file in the working directory is loaded first)
// 3. The TOML config file
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	file, path, err := readFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Domain:            pick(opts.Domain, os.Getenv("DOMAIN"), file.Domain, DefaultDomain),
		AgentID:           pick(opts.AgentID, os.Getenv("AGENT_ID"), file.AgentID),
		APIKey:            pick(opts.APIKey, os.Getenv("API_KEY"), file.APIKey),
		STUNServer:        pick(opts.STUNServer, os.Getenv("STUN_SERVER"), file.ICE.STUN, DefaultSTUN),
		TURNServer:        pick(opts.TURNServer, os.Getenv("TURN_SERVER"), file.ICE.TURN),
		TURNUser:          pick(opts.TURNUser, os.Getenv("TURN_USERNAME"), file.ICE.Username),
		TURNPass:          pick(opts.TURNPass, os.Getenv("TURN_PASSWORD"), file.ICE.Password),
		CaptureBackend:    pick(opts.CaptureBackend, os.Getenv("CAPTURE_BACKEND"), file.Capture.Backend, DefaultCaptureBackend),
		FFmpegPath:        pick(opts.FFmpegPath, os.Getenv("FFMPEG_PATH"), file.Capture.FFmpegPath, DefaultFFmpegPath),
		FFmpegFormat:      pick(os.Getenv("FFMPEG_FORMAT"), file.Capture.FFmpegFormat),
		FFmpegDevice:      pick(os.Getenv("FFMPEG_DEVICE"), file.Capture.FFmpegDevice),
		ChunkPath:         pick(opts.ChunkPath, os.Getenv("CHUNK_PATH"), file.Capture.ChunkPath, DefaultChunkPath),
		HistoryDB:         pick(opts.HistoryDB, os.Getenv("HISTORY_DB"), file.History.Database, defaultHistoryDB()),
		ChunkInterval:     DefaultChunkInterval,
		KeepaliveInterval: DefaultKeepaliveInterval,
		PongTimeout:       DefaultPongTimeout,
		Ceiling:           DefaultCeiling,
		DataChannel:       true,
		File:              path,
	}

	cfg.Insecure, err = pickBool(opts.Insecure, "INSECURE", file.Insecure)
	if err != nil {
		return nil, err
	}
	cfg.ForceRelay, err = pickBool(opts.ForceRelay, "FORCE_RELAY", file.ICE.ForceRelay)
	if err != nil {
		return nil, err
	}

	if file.Capture.DataChannel != nil {
		cfg.DataChannel = *file.Capture.DataChannel
	}
	if v := os.Getenv("DATA_CHANNEL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DATA_CHANNEL %q: %w", v, err)
		}
		cfg.DataChannel = b
	}
	if opts.NoDataChannel {
		cfg.DataChannel = false
	}

	durations := []struct {
		dst  *time.Duration
		flag time.Duration
		env  string
		file time.Duration
	}{
		{&cfg.ChunkInterval, opts.ChunkInterval, "CHUNK_INTERVAL", file.Capture.Interval.Duration},
		{&cfg.KeepaliveInterval, 0, "KEEPALIVE_INTERVAL", file.Connection.Keepalive.Duration},
		{&cfg.PongTimeout, 0, "PONG_TIMEOUT", file.Connection.PongTimeout.Duration},
		{&cfg.Ceiling, 0, "RECONNECT_CEILING", file.Connection.Ceiling.Duration},
	}
	for _, d := range durations {
		v, err := pickDuration(d.flag, d.env, d.file)
		if err != nil {
			return nil, err
		}
		if v > 0 {
			*d.dst = v
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	scheme := "wss"
	if cfg.Insecure {
		scheme = "ws"
	}
	cfg.ServerURL = fmt.Sprintf("%s://%s", scheme, cfg.Domain)

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if strings.Contains(c.Domain, "/") {
		errs = append(errs, fmt.Errorf("domain %q must be a host name, not a URL", c.Domain))
	}
	switch c.CaptureBackend {
	case BackendDevice, BackendFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("unknown capture backend %q (want device or ffmpeg)", c.CaptureBackend))
	}
	switch c.ChunkPath {
	case "signaling", "datachannel", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown chunk path %q (want signaling, datachannel or both)", c.ChunkPath))
	}
	if c.ChunkInterval < 20*time.Millisecond {
		errs = append(errs, fmt.Errorf("chunk interval %s is too short", c.ChunkInterval))
	}
	if c.ForceRelay && c.TURNServer == "" {
		errs = append(errs, errors.New("cannot force relay mode without TURN server configured"))
	}
	return errors.Join(errs...)
}

// RequireAgent reports a missing agent id or API key.
func (c *Config) RequireAgent() error {
	if c.AgentID == "" {
		return errors.New("agent id is required (--agent, AGENT_ID or agent_id in config.toml)")
	}
	if c.APIKey == "" {
		return errors.New("api key is required (--api-key, API_KEY or api_key in config.toml)")
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host gets
// the usual udp, tcp and tls variants.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?") || strings.Count(c.TURNServer, ":") > 1 {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// ICEServers returns the locally configured ICE servers. Servers announced
// by the agent are merged in by the session.
func (c *Config) ICEServers() []pion.ICEServer {
	var servers []pion.ICEServer
	if stun := c.GetSTUNServers(); stun != nil {
		servers = append(servers, pion.ICEServer{URLs: stun})
	}
	if turn := c.GetTURNServers(); turn != nil {
		user, pass := c.GetTURNCredentials()
		servers = append(servers, pion.ICEServer{URLs: turn, Username: user, Credential: pass})
	}
	return servers
}

// readFile loads the TOML config. An explicitly named file must exist; the
// default location is optional.
func readFile(explicit string) (fileConfig, string, error) {
	var fc fileConfig

	path := pick(explicit, os.Getenv("WARPVOICE_CONFIG"))
	required := path != ""
	if path == "" {
		path = defaultConfigFile()
	}
	if path == "" {
		return fc, "", nil
	}

	if _, err := os.Stat(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return fc, "", nil
		}
		return fc, "", fmt.Errorf("config file: %w", err)
	}

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fc, "", fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fc, "", fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	return fc, path, nil
}

func defaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "warpvoice", "config.toml")
}

func defaultHistoryDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "warpvoice-history.db"
	}
	return filepath.Join(dir, "warpvoice", "history.db")
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func pickBool(flag bool, env string, file bool) (bool, error) {
	if flag {
		return true, nil
	}
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return b, nil
	}
	return file, nil
}

func pickDuration(flag time.Duration, env string, file time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return d, nil
	}
	return file, nil
}
