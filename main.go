package main

import (
	"os"

	"github.com/moyoez/courseupload/cli"
	"github.com/moyoez/courseupload/tool"
)

func main() {
	if err := cli.Execute(); err != nil {
		tool.DefaultLogger.Errorf("%v", err)
		os.Exit(1)
	}
}
