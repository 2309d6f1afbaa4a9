// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"os"

	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/pelletier/go-toml"
)

const (
	defURL         string = "http://localhost"
	defPKIURL      string = defURL + ":9000"
	defProvisioner string = "agents"
)

// Config collects the remote PKI coordinates the commands operate against.
// Flag values win over the config file.
type Config struct {
	PKIURL          string
	Provisioner     string
	CRLURL          string
	CRLCachePath    string
	TLSVerification bool
	CurlFlag        bool
}

type remotes struct {
	PKIURL          string `toml:"pki_url"`
	Provisioner     string `toml:"provisioner"`
	TLSVerification bool   `toml:"tls_verification"`
}

type crl struct {
	URL       string `toml:"url"`
	CachePath string `toml:"cache_path"`
}

type fileConfig struct {
	Remotes   remotes `toml:"remotes"`
	CRL       crl     `toml:"crl"`
	RawOutput string  `toml:"raw_output"`
}

// Readable by all user groups but writeable by the user only.
const filePermission = 0o644

var (
	errReadFail       = errors.New("failed to read config file")
	errWritingConfig  = errors.New("error in writing the updated config to file")
	defaultConfigPath = "./config.toml"
)

func read(file string) (fileConfig, error) {
	c := fileConfig{}
	data, err := os.Open(file)
	if err != nil {
		return c, errors.Wrap(errReadFail, err)
	}
	defer data.Close()

	buf, err := io.ReadAll(data)
	if err != nil {
		return c, errors.Wrap(errReadFail, err)
	}

	if err := toml.Unmarshal(buf, &c); err != nil {
		return fileConfig{}, err
	}

	return c, nil
}

// ParseConfig - parses the config file.
func ParseConfig(conf Config) (Config, error) {
	if ConfigPath == "" {
		ConfigPath = defaultConfigPath
	}

	_, err := os.Stat(ConfigPath)
	switch {
	// If the file does not exist, create it with default values.
	case os.IsNotExist(err):
		defaultConfig := fileConfig{
			Remotes: remotes{
				PKIURL:      defPKIURL,
				Provisioner: defProvisioner,
			},
			RawOutput: "false",
		}
		buf, err := toml.Marshal(defaultConfig)
		if err != nil {
			return conf, err
		}
		if err = os.WriteFile(ConfigPath, buf, filePermission); err != nil {
			return conf, errors.Wrap(errWritingConfig, err)
		}
	case err != nil:
		return conf, err
	}

	config, err := read(ConfigPath)
	if err != nil {
		return conf, err
	}

	if conf.PKIURL == "" && config.Remotes.PKIURL != "" {
		conf.PKIURL = config.Remotes.PKIURL
	}
	if conf.Provisioner == "" && config.Remotes.Provisioner != "" {
		conf.Provisioner = config.Remotes.Provisioner
	}
	if conf.CRLURL == "" && config.CRL.URL != "" {
		conf.CRLURL = config.CRL.URL
	}
	if conf.CRLCachePath == "" && config.CRL.CachePath != "" {
		conf.CRLCachePath = config.CRL.CachePath
	}
	conf.TLSVerification = config.Remotes.TLSVerification || conf.TLSVerification

	return conf, nil
}
