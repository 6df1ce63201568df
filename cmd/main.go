// cmd/main.go

package main

import (
	"os"
	"strconv"
	"time"

	"RasterVM/pkg/utils"
	"RasterVM/pkg/version"
	"RasterVM/pkg/vmem"

	_ "RasterVM/pkg/driver/mem"
	_ "RasterVM/pkg/driver/raw"
	_ "RasterVM/pkg/driver/rediskv"
	_ "RasterVM/pkg/driver/ztile"

	"github.com/google/gops/agent"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = utils.GetLogger("rastervm")

func main() {
	err := Main(os.Args)
	if err != nil {
		logger.Fatal(err)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "path of log file",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "TOML file with the view settings",
		},
		&cli.Int64Flag{
			Name:  "cache-size",
			Usage: "page cache size of a view in MiB (default 16)",
		},
		&cli.BoolFlag{
			Name:  "strict-close",
			Usage: "refuse to close a dataset with views open",
		},
		&cli.BoolFlag{
			Name:  "no-virtualmem",
			Usage: "never map views, use buffered I/O (env RASTERVM_SKIP_VIRTUALMEM)",
		},
		&cli.BoolFlag{
			Name:  "debug-agent",
			Usage: "start the gops agent",
		},
	}
}

func Main(args []string) error {
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version", Aliases: []string{"V"},
		Usage: "print only the version",
	}
	app := &cli.App{
		Name:                 "rastervm",
		Usage:                "raster datasets through page cached views",
		Version:              version.Full(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			createFlags(),
			infoFlags(),
			fillFlags(),
			checksumFlags(),
			benchFlags(),
			rmFlags(),
		},
	}
	return app.Run(args)
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if path := c.String("log"); path != "" {
		if err := utils.SetOutFile(path); err != nil {
			logger.Warnf("open log file %s: %s", path, err)
		}
	}
	if c.Bool("debug-agent") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warnf("start debug agent: %s", err)
		}
	}
}

// configFile is the layout of the --config file.
type configFile struct {
	VMem   vmem.Config `toml:"vmem"`
	SlowOp string      `toml:"slow_op"`
}

func loadConfig(c *cli.Context) *vmem.Config {
	conf := vmem.DefaultConfig()
	if path := c.String("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Fatalf("read config %s: %s", path, err)
		}
		var cf configFile
		if err = toml.Unmarshal(data, &cf); err != nil {
			logger.Fatalf("parse config %s: %s", path, err)
		}
		cf.VMem.SlowOpThreshold = conf.SlowOpThreshold
		conf = &cf.VMem
		if cf.SlowOp != "" {
			if conf.SlowOpThreshold, err = time.ParseDuration(cf.SlowOp); err != nil {
				logger.Fatalf("slow_op %q: %s", cf.SlowOp, err)
			}
		}
	}
	if c.IsSet("cache-size") {
		conf.CacheSize = c.Int64("cache-size") << 20
	}
	if c.Bool("strict-close") {
		conf.StrictClose = true
	}
	if c.Bool("no-virtualmem") {
		conf.SkipVirtualMem = true
	}
	if v, err := strconv.ParseBool(os.Getenv("RASTERVM_SKIP_VIRTUALMEM")); err == nil && v {
		conf.SkipVirtualMem = true
	}
	return conf.OrDefault()
}

func newManager(c *cli.Context) *vmem.Manager {
	conf := loadConfig(c)
	logger.Debugf("view settings: %+v", *conf)
	return vmem.NewManager(conf)
}
