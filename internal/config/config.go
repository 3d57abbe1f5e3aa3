// Package config loads bpfmand's TOML configuration file the way the
// teacher's config-mgmt example loads bpfd's: populate defaults, then
// overlay whatever the file on disk sets.
package config

import (
	"fmt"
	"log"
	"os"

	toml "github.com/pelletier/go-toml"

	"github.com/bpfman/bpfmand/internal/directories"
	"github.com/bpfman/bpfmand/pkg/bpfman"
)

// Storage configures the persistent store path and the runtime directory
// created at startup; the pin directories are fixed by internal/directories.
type Storage struct {
	DBPath string `toml:"db_path"`
	RunDir string `toml:"run_dir"`
}

// Signing holds the image-signing policy (SPEC_FULL "signing policy gate").
// AllowUnsigned is parsed from the file but ManagerConfig does not pass it
// on: each image pull uses the AllowUnsigned flag of its own request.
type Signing struct {
	AllowUnsigned bool `toml:"allow_unsigned"`
}

// Daemon holds process-lifetime knobs.
type Daemon struct {
	// InactivityTimeoutSecs is the interval, in seconds, at which the daemon
	// checks its command queue; it shuts down at the first check that finds
	// the queue empty. 0 disables it (spec §5, §9).
	InactivityTimeoutSecs int `toml:"inactivity_timeout_secs"`
	SocketPath            string `toml:"socket_path"`
	LogLevel              string `toml:"log_level"`
}

// IfaceConfig is the on-disk form of bpfman.IfConfig (SPEC_FULL
// "interface-level dispatcher tuning").
type IfaceConfig struct {
	Mtu          int    `toml:"mtu"`
	PreferNative bool   `toml:"prefer_native"`
	XdpMode      string `toml:"xdp_mode"`
}

// File is the full shape of bpfmand.toml.
type File struct {
	Storage    Storage                `toml:"storage"`
	Signing    Signing                `toml:"signing"`
	Daemon     Daemon                 `toml:"daemon"`
	Interfaces map[string]IfaceConfig `toml:"interfaces"`
}

func defaults() File {
	return File{
		Storage: Storage{
			DBPath: directories.DefaultDBPath,
			RunDir: directories.RTDIR,
		},
		Signing: Signing{
			AllowUnsigned: true,
		},
		Daemon: Daemon{
			InactivityTimeoutSecs: 0,
			SocketPath:            directories.DefaultSocketPath,
			LogLevel:              "info",
		},
	}
}

// Load reads path, overlaying it onto the defaults. A missing file is not
// an error: bpfmand runs on defaults the way the teacher's LoadConfig does
// when its config file isn't present yet.
func Load(path string) File {
	cfg := defaults()

	log.Printf("reading configuration from %s", path)
	b, err := os.ReadFile(path)
	if err != nil {
		log.Printf("no configuration file at %s, using defaults: %v", path, err)
		return cfg
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		log.Printf("failed to parse %s, using defaults: %v", path, err)
		return defaults()
	}
	return cfg
}

// ManagerConfig projects the parts of File the Program manager consumes
// directly into a bpfman.Config.
func (f File) ManagerConfig() bpfman.Config {
	ifaces := make(map[string]*bpfman.IfConfig, len(f.Interfaces))
	for name, ic := range f.Interfaces {
		ic := ic
		ifaces[name] = &bpfman.IfConfig{
			Mtu:          ic.Mtu,
			PreferNative: ic.PreferNative,
			XdpMode:      ic.XdpMode,
		}
	}
	return bpfman.Config{Interfaces: ifaces}
}

// Validate reports a configuration error the way bpfmand's CLI surfaces
// argument mistakes before ever touching the kernel.
func (f File) Validate() error {
	if f.Daemon.InactivityTimeoutSecs < 0 {
		return fmt.Errorf("daemon.inactivity_timeout_secs must be >= 0")
	}
	return nil
}
