// Package config loads the configuration of the sgx-ra tool.
package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgelesssys/go-sgx-ra/ladh"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding file settings.
const EnvPrefix = "SGXRA_"

// Config is the top level configuration.
type Config struct {
	Log LogConfig `yaml:"log"`
	RA  RAConfig  `yaml:"ra"`
	LA  LAConfig  `yaml:"la"`
	PSI PSIConfig `yaml:"psi"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json pretty"`
	// File is the log file. Logs go to stderr if empty.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

// RAConfig configures the service provider side of remote attestation.
type RAConfig struct {
	SPID      string `yaml:"spid" validate:"omitempty,hexadecimal,len=32"`
	QuoteType string `yaml:"quote_type" validate:"oneof=linkable unlinkable"`
	// SPKey is a PEM file holding the service provider's P-256 signing key.
	// A fresh key is generated if empty.
	SPKey string `yaml:"sp_key"`
}

// LAConfig configures local attestation.
type LAConfig struct {
	Version int `yaml:"version" validate:"oneof=1 2"`
}

// PSIConfig configures the set intersection service.
type PSIConfig struct {
	SessionTimeout time.Duration `yaml:"session_timeout" validate:"gte=0"`
	// MaxHashes limits the hashes a single client may upload. 0 means no limit.
	MaxHashes int `yaml:"max_hashes" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		RA: RAConfig{
			QuoteType: "linkable",
		},
		LA: LAConfig{
			Version: 2,
		},
		PSI: PSIConfig{
			SessionTimeout: 5 * time.Minute,
			MaxHashes:      1 << 16,
		},
	}
}

// Load reads the configuration file at path on top of [Default], applies environment overrides and validates the result.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshaling config file: %w", status.Wrap(status.ErrInvalidParameter, err))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks all fields against their constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return status.Errorf(status.ErrInvalidParameter, "invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("validating config: %w", status.Wrap(status.ErrInvalidParameter, err))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"LOG_LEVEL":     &c.Log.Level,
		"LOG_FORMAT":    &c.Log.Format,
		"LOG_FILE":      &c.Log.File,
		"RA_SPID":       &c.RA.SPID,
		"RA_QUOTE_TYPE": &c.RA.QuoteType,
		"RA_SP_KEY":     &c.RA.SPKey,
	}
	for name, dst := range strVars {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"LA_VERSION":     &c.LA.Version,
		"PSI_MAX_HASHES": &c.PSI.MaxHashes,
	}
	for name, dst := range intVars {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return status.Errorf(status.ErrInvalidParameter, "parsing %s%s: %s", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "PSI_SESSION_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return status.Errorf(status.ErrInvalidParameter, "parsing %sPSI_SESSION_TIMEOUT: %s", EnvPrefix, err)
		}
		c.PSI.SessionTimeout = d
	}
	return nil
}

// ParseSPID decodes the configured SPID. An empty SPID yields the zero value.
func (c RAConfig) ParseSPID() (types.SPID, error) {
	var spid types.SPID
	if c.SPID == "" {
		return spid, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(c.SPID, "0x"), "0X"))
	if err != nil || len(raw) != len(spid) {
		return spid, status.Errorf(status.ErrInvalidParameter, "SPID must be %d hex encoded bytes", len(spid))
	}
	copy(spid[:], raw)
	return spid, nil
}

// ParseQuoteType returns the configured EPID quote type.
func (c RAConfig) ParseQuoteType() (types.QuoteType, error) {
	switch c.QuoteType {
	case "linkable":
		return types.QuoteTypeLinkable, nil
	case "unlinkable":
		return types.QuoteTypeUnlinkable, nil
	default:
		return 0, status.Errorf(status.ErrInvalidParameter, "unknown quote type %q", c.QuoteType)
	}
}

// LoadSPKey reads the service provider key. It returns nil if no key file is configured.
func (c RAConfig) LoadSPKey() (*ecdsa.PrivateKey, error) {
	if c.SPKey == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.SPKey)
	if err != nil {
		return nil, fmt.Errorf("reading SP key: %w", err)
	}
	return ParseSPKey(data)
}

// ParseSPKey parses a PEM encoded P-256 key in SEC 1 or PKCS #8 form.
func ParseSPKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, status.Errorf(status.ErrInvalidParameter, "SP key is not PEM encoded")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "parsing SP key: %s", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "parsing SP key: %s", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, status.Errorf(status.ErrInvalidParameter, "SP key is a %T, not an ECDSA key", k)
		}
		key = ec
	default:
		return nil, status.Errorf(status.ErrInvalidParameter, "unexpected PEM block %q", block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, status.Errorf(status.ErrInvalidParameter, "SP key must be on P-256, got %s", key.Curve.Params().Name)
	}
	return key, nil
}

// LADHVersion returns the configured local attestation protocol version.
func (c LAConfig) LADHVersion() ladh.Version {
	return ladh.Version(c.Version)
}
