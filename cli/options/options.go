// Package options contains CLI helpers shared by the commands.
package options

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
)

// Config is the flag the commands read the configuration location from.
var Config = []cli.Flag{
	cli.StringFlag{
		Name:  "config-file, c",
		Usage: "Configuration file to use (overrides config-path and NODE_ENV)",
	},
	cli.StringFlag{
		Name:  "config-path",
		Usage: "Directory holding config.<NODE_ENV>.yaml files",
		Value: "./",
	},
}

// Debug is the flag enabling debug level logging.
var Debug = cli.BoolFlag{
	Name:  "debug, d",
	Usage: "Enable debug logging (lots of output, don't use in production)",
}

// GetConfigFromContext loads the configuration selected by the CLI flags.
func GetConfigFromContext(ctx *cli.Context) (config.Config, error) {
	if file := ctx.String("config-file"); file != "" {
		return config.Load(file)
	}
	return config.LoadFromEnv(ctx.String("config-path"))
}

// HandleLoggingParams builds the process logger from the global config
// section. A selected debug flag overrides the configured level. If logPath
// is configured the parent directory is created and output goes there
// instead of stderr.
func HandleLoggingParams(debug bool, cfg config.GlobalConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		var err error
		level, err = zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log setting: %w", err)
		}
	}
	if debug {
		level = zapcore.DebugLevel
	}

	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.Encoding = "console"
	cc.Level = zap.NewAtomicLevelAt(level)
	cc.Sampling = nil

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("unable to create log directory: %w", err)
		}
		cc.OutputPaths = []string{cfg.LogPath}
	}
	return cc.Build()
}
