package main

import (
	"os"

	"github.com/eemployee/chat/core/controlplane/api"
	"github.com/eemployee/chat/core/infra/buildinfo"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/logging"
)

func main() {
	buildinfo.Log("chat-controlplane")
	cfg := config.Load()
	if err := api.Run(cfg); err != nil {
		logging.Error("chat-controlplane", "exited", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}
