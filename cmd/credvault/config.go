package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// cliConfig is the on-disk configuration of the command
type cliConfig struct {
	// DataDir holds the badger database
	DataDir string `toml:"data_dir"`

	// Identity names this user when receiving a shared vault
	Identity string `toml:"identity"`

	// Format is the envelope format version for new envelopes
	Format int `toml:"format"`

	Relay relayConfig `toml:"relay"`
	Peer  peerConfig  `toml:"peer"`
}

type relayConfig struct {
	// URL of the signaling relay, ws:// or wss://
	URL   string `toml:"url"`
	Token string `toml:"token"`

	// Listen is the address used by "credvault relay"
	Listen string `toml:"listen"`
}

type peerConfig struct {
	// ListenAddr is the UDP address used while sharing
	ListenAddr string `toml:"listen_addr"`

	// Advertise overrides the addresses offered to the receiver
	Advertise []string `toml:"advertise,omitempty"`
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credvault", "config.toml"), nil
}

func defaultCLIConfig() *cliConfig {
	dataDir := ".credvault"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "credvault", "data")
	}
	return &cliConfig{
		DataDir: dataDir,
		Format:  1,
		Relay: relayConfig{
			URL:    "ws://localhost:8787/signal",
			Listen: ":8787",
		},
		Peer: peerConfig{
			ListenAddr: "0.0.0.0:0",
		},
	}
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*cliConfig, error) {
	cfg := defaultCLIConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig writes cfg to path, creating parent directories
func saveConfig(path string, cfg *cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(cfg)
}
