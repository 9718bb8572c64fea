package main

import (
	"os"

	"github.com/eemployee/chat/core/chat/instance"
	"github.com/eemployee/chat/core/infra/buildinfo"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/logging"
)

func main() {
	buildinfo.Log("chat-instance")
	cfg := config.Load()
	if err := instance.Run(cfg); err != nil {
		logging.Error("chat-instance", "exited", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}
