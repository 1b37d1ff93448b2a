package cmd

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/enboxorg/gitd/internal/common"
	"github.com/enboxorg/gitd/internal/config"
	"github.com/enboxorg/gitd/internal/identity"
	"github.com/enboxorg/gitd/internal/vault"
)

type (
	cmdSetup struct {
		Config config.DaemonConfig

		env []string
	}

	CommandHookFn func(*cobra.Command, []string)
)

func LogSetup(lc common.LogConfig) {
	log.SetFormatter(&log.TextFormatter{
		PadLevelText:           true,
		DisableLevelTruncation: true,
		TimestampFormat:        "2006-01-02T15:04:05.000000",
		FullTimestamp:          true,
	})
	log.SetOutput(lc.Output())
	if lc.IsDebug() {
		log.SetLevel(log.DebugLevel)
	}
	if lc.IsTrace() {
		log.SetLevel(log.TraceLevel)
		os.Setenv("GIT_TRACE2", "1")
	}
}

func (c *cmdSetup) Env() (osenv []string) {
	osenv = make([]string, len(c.env))
	copy(osenv, c.env)
	return osenv
}

func (c *cmdSetup) EnvVisitor() common.KeyValueVisitor {
	return common.NewEnvVisitor(c.env)
}

// this is O(n) but whatever
func (c *cmdSetup) LookupEnv(key string) (v string, ok bool) {
	for _, kv := range c.env {
		if i := strings.Index(kv, "="); i >= 0 {
			if k := kv[0:i]; k == key {
				return kv[i+1:], true
			}
		}
	}
	return "", false
}

func (c *cmdSetup) LogSetupHook() CommandHookFn {
	return func(cc *cobra.Command, args []string) {
		out := io.Writer(cc.ErrOrStderr())
		if c.Config.LogFile != "" {
			_ = os.MkdirAll(filepath.Dir(c.Config.LogFile), 0755)
			if fp, err := os.OpenFile(c.Config.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err == nil {
				out = io.MultiWriter(out, fp)
			} else {
				log.WithError(err).Warn("could not open log file")
			}
		}
		LogSetup(config.NewLogConfig(&c.Config, out))
	}
}

// ResolveConfig folds the yaml config file (if one was named) under the
// values already loaded from defaults, flags and the environment, then
// validates the result. Any field that already holds a non-zero value keeps
// it, including built-in defaults; the file only fills fields that are still
// zero, so it cannot override a default.
func (c *cmdSetup) ResolveConfig() (err error) {
	if c.Config.ConfigPath != "" {
		data, rerr := os.ReadFile(c.Config.ConfigPath)
		if rerr != nil {
			return errors.Wrapf(rerr, "failed to read file at path %#v", c.Config.ConfigPath)
		}

		var fileCfg config.DaemonConfig
		if err = config.LoadFromYaml(data, &fileCfg); err != nil {
			return err
		}
		if err = c.Config.Merge(fileCfg); err != nil {
			return err
		}
	}

	return c.Config.Validate()
}

// OpenVault returns the daemon's record store: file-backed under the daemon
// home unless configured elsewhere.
func (c *cmdSetup) OpenVault() (vault.Store, error) {
	path := c.Config.VaultPath
	if path == "" {
		path = filepath.Join(c.Config.Home, "vault.json")
	}
	return vault.NewFileBacked(path)
}

func (c *cmdSetup) Resolver() identity.Resolver {
	if c.Config.PLCHost != "" {
		return identity.NewDirectoryWithPLC(c.Config.PLCHost)
	}
	return identity.NewDirectory()
}

// ConfigFlag registers the --config flag with the correct defaults. We use
// this in multiple different subcommands, so it's defined in one place
func (c *cmdSetup) ConfigFlag(cc *cobra.Command) {
	cc.PersistentFlags().StringVarP(&c.Config.ConfigPath,
		"config", "f", c.Config.ConfigPath,
		"path to the daemon config file (defaults come from the environment)")
}
