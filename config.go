// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"os"

	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/caarlos0/env/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

var (
	ErrConfigRead     = errors.New("failed to read config file")
	ErrConfigDecode   = errors.New("failed to decode config file")
	ErrConfigUnknown  = errors.New("config file contains unknown keys")
	ErrConfigInvalid  = errors.New("invalid configuration")
	errMissingPKIURL  = errors.New("pki_url must be set")
	errMissingPaths   = errors.New("cert_path and key_path must be set")
	errBadThreshold   = errors.New("renewal_threshold_pct must be between 1 and 100")
	errBadInterval    = errors.New("check_interval_sec must be positive")
	errBadCRLMaxAge   = errors.New("crl.max_age_hours must be positive")
	errMissingCRLURL  = errors.New("crl.url must be set when crl is enabled")
	errMissingIdent   = errors.New("domain_name or device_name must be set")
	errBadSelfHeal    = errors.New("self_heal_after must be positive")
	errBadHTTPTimeout = errors.New("http_timeout_sec must be positive")
)

// CRLConfig controls the revocation check.
type CRLConfig struct {
	Enabled            bool    `mapstructure:"enabled"             env:"AGENT_CRL_ENABLED"              envDefault:"false"`
	URL                string  `mapstructure:"url"                 env:"AGENT_CRL_URL"`
	CachePath          string  `mapstructure:"cache_path"          env:"AGENT_CRL_CACHE_PATH"`
	MaxAgeHours        float64 `mapstructure:"max_age_hours"       env:"AGENT_CRL_MAX_AGE_HOURS"        envDefault:"2.0"`
	CheckBeforeRenewal bool    `mapstructure:"check_before_renewal" env:"AGENT_CRL_CHECK_BEFORE_RENEWAL" envDefault:"true"`
}

// Config is the full agent configuration. It is loaded once at startup;
// changes require a restart.
type Config struct {
	LogLevel   string `mapstructure:"log_level"  env:"AGENT_LOG_LEVEL"   envDefault:"info"`
	InstanceID string `mapstructure:"-"          env:"AGENT_INSTANCE_ID" envDefault:""`

	PKIURL      string `mapstructure:"pki_url"     env:"AGENT_PKI_URL"`
	Provisioner string `mapstructure:"provisioner" env:"AGENT_PROVISIONER" envDefault:"agents"`

	CertPath string `mapstructure:"cert_path" env:"AGENT_CERT_PATH"`
	KeyPath  string `mapstructure:"key_path"  env:"AGENT_KEY_PATH"`

	// Identity: DomainName for ACME server certificates, DeviceName for
	// EST client certificates. Exactly one is required per agent.
	DomainName string `mapstructure:"domain_name" env:"AGENT_DOMAIN_NAME"`
	DeviceName string `mapstructure:"device_name" env:"AGENT_DEVICE_NAME"`

	BootstrapToken string `mapstructure:"bootstrap_token" env:"AGENT_BOOTSTRAP_TOKEN"`

	RenewalThresholdPct int `mapstructure:"renewal_threshold_pct" env:"AGENT_RENEWAL_THRESHOLD_PCT" envDefault:"75"`
	CheckIntervalSec    int `mapstructure:"check_interval_sec"    env:"AGENT_CHECK_INTERVAL_SEC"    envDefault:"60"`
	HTTPTimeoutSec      int `mapstructure:"http_timeout_sec"      env:"AGENT_HTTP_TIMEOUT_SEC"      envDefault:"30"`

	// SelfHealAfter is the number of consecutive EST authorization
	// rejections tolerated before the local pair is deleted and bootstrap
	// enrollment is attempted again.
	SelfHealAfter int `mapstructure:"self_heal_after" env:"AGENT_SELF_HEAL_AFTER" envDefault:"1"`

	// ReloadCmd is executed after a successful install, e.g. to signal a
	// peer process to re-read its TLS material.
	ReloadCmd []string `mapstructure:"reload_cmd" env:"AGENT_RELOAD_CMD" envSeparator:" "`

	CurlDebug bool `mapstructure:"curl_debug" env:"AGENT_CURL_DEBUG" envDefault:"false"`

	CRL CRLConfig `mapstructure:"crl"`
}

// LoadConfig reads the optional YAML file at path, applies environment
// overrides and validates the result. Unknown YAML keys are rejected so
// typos fail at startup rather than at first use.
func LoadConfig(path string, protocol Protocol) (Config, error) {
	cfg := Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(ErrConfigRead, err)
		}
		var tree map[string]interface{}
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return Config{}, errors.Wrap(ErrConfigDecode, err)
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg,
			ErrorUnused:      true,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return Config{}, errors.Wrap(ErrConfigDecode, err)
		}
		if err := dec.Decode(normalizeKeys(tree)); err != nil {
			return Config{}, errors.Wrap(ErrConfigUnknown, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(ErrConfigDecode, err)
	}

	if err := cfg.Validate(protocol); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the option ranges from the configuration surface. The
// protocol decides which identity and secret fields are mandatory.
func (c Config) Validate(protocol Protocol) error {
	if c.PKIURL == "" {
		return errors.Wrap(ErrConfigInvalid, errMissingPKIURL)
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.Wrap(ErrConfigInvalid, errMissingPaths)
	}
	if c.RenewalThresholdPct < 1 || c.RenewalThresholdPct > 100 {
		return errors.Wrap(ErrConfigInvalid, errBadThreshold)
	}
	if c.CheckIntervalSec <= 0 {
		return errors.Wrap(ErrConfigInvalid, errBadInterval)
	}
	if c.HTTPTimeoutSec <= 0 {
		return errors.Wrap(ErrConfigInvalid, errBadHTTPTimeout)
	}
	if c.SelfHealAfter <= 0 {
		return errors.Wrap(ErrConfigInvalid, errBadSelfHeal)
	}
	switch protocol {
	case ProtocolACME:
		if c.DomainName == "" {
			return errors.Wrap(ErrConfigInvalid, errMissingIdent)
		}
	case ProtocolEST:
		if c.DeviceName == "" {
			return errors.Wrap(ErrConfigInvalid, errMissingIdent)
		}
	}
	if c.CRL.Enabled {
		if c.CRL.URL == "" {
			return errors.Wrap(ErrConfigInvalid, errMissingCRLURL)
		}
		if c.CRL.MaxAgeHours <= 0 {
			return errors.Wrap(ErrConfigInvalid, errBadCRLMaxAge)
		}
	}
	return nil
}

// Identity returns the subject identity for the configured protocol.
func (c Config) Identity(protocol Protocol) string {
	if protocol == ProtocolACME {
		return c.DomainName
	}
	return c.DeviceName
}

// yaml.v2 produces map[interface{}]interface{}; mapstructure wants string
// keys all the way down.
func normalizeKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeKeys(val)
			}
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeKeys(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalizeKeys(t[i])
		}
		return t
	default:
		return v
	}
}
