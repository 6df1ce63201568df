// cmd/rm.go

package main

import (
	"RasterVM/pkg/driver"

	"github.com/urfave/cli/v2"
)

func rmFlags() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove datasets",
		ArgsUsage: "URL ...",
		Action:    rm,
	}
}

func rm(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Infof("dataset URL is needed")
		return nil
	}
	for i := 0; i < c.Args().Len(); i++ {
		url := c.Args().Get(i)
		if err := driver.Delete(url); err != nil {
			logger.Errorf("remove %s: %s", url, err)
			continue
		}
		logger.Infof("removed %s", url)
	}
	return nil
}
