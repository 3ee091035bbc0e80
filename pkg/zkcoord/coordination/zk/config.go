// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package zk

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSessionTimeout = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Config holds the connection settings for a ZooKeeper ensemble.
type Config struct {
	// Servers is the list of ensemble addresses, host:port.
	Servers []string `yaml:"servers"`

	// SessionTimeout governs how long the ensemble keeps the session,
	// and with it this client's ephemeral nodes, after losing contact.
	SessionTimeout time.Duration `yaml:"sessionTimeout"`

	// ConnectTimeout bounds how long Connect retries waiting for a
	// session.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// UnmarshalYAML accepts durations in time.ParseDuration notation.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Servers        []string `yaml:"servers"`
		SessionTimeout string   `yaml:"sessionTimeout"`
		ConnectTimeout string   `yaml:"connectTimeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Servers = raw.Servers
	if raw.SessionTimeout != "" {
		timeout, err := time.ParseDuration(raw.SessionTimeout)
		if err != nil {
			return err
		}
		c.SessionTimeout = timeout
	}
	if raw.ConnectTimeout != "" {
		timeout, err := time.ParseDuration(raw.ConnectTimeout)
		if err != nil {
			return err
		}
		c.ConnectTimeout = timeout
	}
	return nil
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var config Config
	if err := yaml.Unmarshal(bytes, &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return c
}
