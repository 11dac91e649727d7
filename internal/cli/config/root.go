// Package config holds the state shared by every subcommand: global flags,
// the loaded configuration and the components built from it.
package config

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	mtconfig "github.com/rustyeddy/mtgate/config"
	"github.com/rustyeddy/mtgate/credstore"
	"github.com/rustyeddy/mtgate/internal/logger"
	"github.com/rustyeddy/mtgate/procman"
	"github.com/rustyeddy/mtgate/terminal"
	"github.com/rustyeddy/mtgate/terminal/bridge"
	"github.com/rustyeddy/mtgate/terminal/sim"
)

// RootConfig is filled by persistent flags and completed by Load.
type RootConfig struct {
	ConfigPath string
	DBPath     string
	LogLevel   string

	Cfg *mtconfig.Config
	Log *zap.Logger
}

// Load reads the config file and environment, applies flag overrides and
// builds the logger.
func (rc *RootConfig) Load() error {
	cfg, err := mtconfig.Load(rc.ConfigPath)
	if err != nil {
		return err
	}
	if rc.DBPath != "" {
		cfg.Store.Path = rc.DBPath
	}
	if rc.LogLevel != "" {
		cfg.Log.Level = rc.LogLevel
	}
	if cfg.Production() {
		cfg.Log.Format = logger.FormatJSON
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	rc.Cfg, rc.Log = cfg, log
	return nil
}

// OpenStore opens the configured credential store.
func (rc *RootConfig) OpenStore() (credstore.Store, error) {
	s := rc.Cfg.Store
	store, err := credstore.Open(s.Driver, s.Path, credstore.Options{
		RevokeSuperseded: s.RevokeSuperseded,
		TTL:              s.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store %s: %w", s.Driver, s.Path, err)
	}
	return store, nil
}

// Terminal builds the configured terminal connection. It is not yet
// initialized.
func (rc *RootConfig) Terminal() (terminal.Terminal, error) {
	t := rc.Cfg.Terminal
	switch t.Kind {
	case "bridge":
		c, err := bridge.NewClient(t.BridgeURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "sim":
		accounts := make(map[string]string, len(t.Sim.Accounts))
		for _, a := range t.Sim.Accounts {
			accounts[a.Login] = a.Password
		}
		var opts []sim.Option
		if t.Sim.Latency > 0 {
			opts = append(opts, sim.WithLatency(t.Sim.Latency))
		}
		return sim.Seed(t.Sim.Server, t.Sim.Balance, accounts, opts...), nil
	}
	return nil, fmt.Errorf("unknown terminal kind %q", t.Kind)
}

// ExePath is the terminal the shared connection attaches to at startup.
func (rc *RootConfig) ExePath() string {
	if p := rc.Cfg.Terminal.ExePath; p != "" {
		return p
	}
	if rc.Cfg.Terminal.Kind == "sim" {
		return ""
	}
	return filepath.Join(rc.Cfg.Process.TemplateDir, rc.Cfg.Process.Exe)
}

// ProcessManager builds the terminal process manager.
func (rc *RootConfig) ProcessManager() (*procman.Manager, error) {
	p := rc.Cfg.Process
	return procman.New(procman.Config{
		BaseDir:        p.BaseDir,
		TemplateDir:    p.TemplateDir,
		Exe:            p.Exe,
		Args:           p.Args,
		TerminateGrace: p.TerminateGrace,
		ReclaimRetries: p.ReclaimRetries,
		ReclaimBackoff: p.ReclaimBackoff,
	}, rc.Log)
}
