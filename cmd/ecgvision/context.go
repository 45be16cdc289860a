package main

import (
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ecgvision/ecgvision/classifier"
	"github.com/ecgvision/ecgvision/internal/config"
	"github.com/ecgvision/ecgvision/internal/logging"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	fromFile   bool
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.fromFile = exists
	})
	return c.config, c.configErr
}

// logger builds the command logger. An explicit --log-level wins over the
// verbose default.
func (c *commandContext) logger(verbose bool, w io.Writer) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	level := ""
	if c.logLevelFlag != nil {
		level = strings.TrimSpace(*c.logLevelFlag)
	}
	if level == "" {
		level = cfg.Logging.Level
		if !verbose && level != "debug" {
			level = "warn"
		}
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Logging.Format, Writer: w})
}

func (c *commandContext) options(cmd *cobra.Command, verbose bool) (classifier.Options, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return classifier.Options{}, err
	}
	logger, err := c.logger(verbose, cmd.ErrOrStderr())
	if err != nil {
		return classifier.Options{}, err
	}
	return classifier.Options{Config: cfg, Logger: logger, Out: cmd.OutOrStdout()}, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
