package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

var (
	ErrInvalidFragmentSize        = errors.New("fragment size must be between 1 and 20 bytes")
	ErrInvalidMaxRetries          = errors.New("max retries must not be negative")
	ErrInvalidAckTimeout          = errors.New("ack timeout must not be negative")
	ErrInvalidLinkKind            = errors.New("link kind must be one of ble, serial, webrtc, loopback")
	ErrInvalidSerialPort          = errors.New("serial port must be set for the serial link")
	ErrInvalidBaudRate            = errors.New("baud rate must be greater than 0")
	ErrInvalidChannelLabel        = errors.New("data channel label must be set")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
	ErrInvalidHatcheryURL         = errors.New("hatchery base URL must be an absolute http(s) URL")
)

// Link kinds.
const (
	LinkBLE      = "ble"
	LinkSerial   = "serial"
	LinkWebRTC   = "webrtc"
	LinkLoopback = "loopback"
)

// EnvKeyReplacer maps nested keys to environment variable names, so that
// serial.baud is read from BADGEXFER_SERIAL_BAUD.
var EnvKeyReplacer = strings.NewReplacer(".", "_")

// MaxFragmentSize is the largest CHUNK payload a 20-byte link carries.
const MaxFragmentSize = 20

// Config holds all application configuration
type Config struct {
	Transfer TransferConfig `mapstructure:"transfer" json:"transfer"`
	Link     LinkConfig     `mapstructure:"link" json:"link"`
	BLE      BLEConfig      `mapstructure:"ble" json:"ble"`
	Serial   SerialConfig   `mapstructure:"serial" json:"serial"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc" json:"webrtc"`
	Firebase FirebaseConfig `mapstructure:"firebase" json:"firebase"`
	Hatchery HatcheryConfig `mapstructure:"hatchery" json:"hatchery"`
}

// TransferConfig tunes the transfer engine
type TransferConfig struct {
	FragmentSize int           `mapstructure:"fragment_size" json:"fragment_size"`
	MaxRetries   int           `mapstructure:"max_retries" json:"max_retries"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout" json:"ack_timeout"`
	ValidateAck  bool          `mapstructure:"validate_ack" json:"validate_ack"`
}

// LinkConfig selects the transport
type LinkConfig struct {
	Kind string `mapstructure:"kind" json:"kind"`
	// MTU limits packet size on the loopback link; 0 disables the check.
	MTU int `mapstructure:"mtu" json:"mtu"`
}

// BLEConfig holds Bluetooth discovery settings
type BLEConfig struct {
	NamePrefix  string        `mapstructure:"name_prefix" json:"name_prefix"`
	Address     string        `mapstructure:"address" json:"address"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout" json:"scan_timeout"`
}

// SerialConfig holds serial port settings
type SerialConfig struct {
	Port string `mapstructure:"port" json:"port"`
	Baud int    `mapstructure:"baud" json:"baud"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers     []webrtc.ICEServer `mapstructure:"ice_servers" json:"ice_servers"`
	Label          string             `mapstructure:"label" json:"label"`
	ConnectTimeout time.Duration      `mapstructure:"connect_timeout" json:"connect_timeout"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id" json:"project_id"`
	DatabaseURL     string `mapstructure:"database_url" json:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path" json:"credentials_path"`
}

// Enabled reports whether Firebase signalling was configured at all.
// Without it WebRTC peers exchange session descriptions by hand.
func (f FirebaseConfig) Enabled() bool {
	return f.ProjectID != "" || f.DatabaseURL != "" || f.CredentialsPath != ""
}

// HatcheryConfig holds the app store client settings
type HatcheryConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Transfer: TransferConfig{
			FragmentSize: MaxFragmentSize,
			MaxRetries:   9,
			AckTimeout:   3 * time.Second,
			ValidateAck:  false, // card10 firmware acks are not checksums
		},
		Link: LinkConfig{
			Kind: LinkBLE,
		},
		BLE: BLEConfig{
			NamePrefix:  "card10",
			ScanTimeout: 10 * time.Second,
		},
		Serial: SerialConfig{
			Baud: 115200,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			Label:          "badgexfer",
			ConnectTimeout: 30 * time.Second,
		},
		Hatchery: HatcheryConfig{
			BaseURL: "https://badge.team/",
			Timeout: 30 * time.Second,
		},
	}
}

// SetDefaults registers every default with v so that config files and
// environment variables only need to name what they change.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("transfer.fragment_size", d.Transfer.FragmentSize)
	v.SetDefault("transfer.max_retries", d.Transfer.MaxRetries)
	v.SetDefault("transfer.ack_timeout", d.Transfer.AckTimeout)
	v.SetDefault("transfer.validate_ack", d.Transfer.ValidateAck)
	v.SetDefault("link.kind", d.Link.Kind)
	v.SetDefault("link.mtu", d.Link.MTU)
	v.SetDefault("ble.name_prefix", d.BLE.NamePrefix)
	v.SetDefault("ble.address", d.BLE.Address)
	v.SetDefault("ble.scan_timeout", d.BLE.ScanTimeout)
	v.SetDefault("serial.port", d.Serial.Port)
	v.SetDefault("serial.baud", d.Serial.Baud)
	v.SetDefault("webrtc.ice_servers", d.WebRTC.ICEServers)
	v.SetDefault("webrtc.label", d.WebRTC.Label)
	v.SetDefault("webrtc.connect_timeout", d.WebRTC.ConnectTimeout)
	v.SetDefault("firebase.project_id", d.Firebase.ProjectID)
	v.SetDefault("firebase.database_url", d.Firebase.DatabaseURL)
	v.SetDefault("firebase.credentials_path", d.Firebase.CredentialsPath)
	v.SetDefault("hatchery.base_url", d.Hatchery.BaseURL)
	v.SetDefault("hatchery.timeout", d.Hatchery.Timeout)
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Link.Kind = strings.ToLower(strings.TrimSpace(cfg.Link.Kind))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.Transfer.FragmentSize <= 0 || c.Transfer.FragmentSize > MaxFragmentSize {
		return ErrInvalidFragmentSize
	}
	if c.Transfer.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.Transfer.AckTimeout < 0 {
		return ErrInvalidAckTimeout
	}

	switch c.Link.Kind {
	case LinkBLE, LinkLoopback:
	case LinkSerial:
		if c.Serial.Port == "" {
			return ErrInvalidSerialPort
		}
		if c.Serial.Baud <= 0 {
			return ErrInvalidBaudRate
		}
	case LinkWebRTC:
		if c.WebRTC.Label == "" {
			return ErrInvalidChannelLabel
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLinkKind, c.Link.Kind)
	}

	if c.Firebase.Enabled() {
		if c.Firebase.CredentialsPath == "" {
			return ErrInvalidFirebaseConfig
		}
		if c.Firebase.ProjectID == "" {
			return ErrInvalidFirebaseProjectID
		}
		if c.Firebase.DatabaseURL == "" {
			return ErrInvalidFirebaseDatabaseURL
		}
	}

	u, err := url.Parse(c.Hatchery.BaseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidHatcheryURL
	}
	return nil
}
