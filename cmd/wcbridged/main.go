package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/dailybot/wcbridge/internal/daemon"
	"github.com/dailybot/wcbridge/internal/wcpath"
)

func main() {
	configFlag := flag.String("config", wcpath.ConfigPath(), "path to config file")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
