package main

import (
	"os"

	"github.com/eemployee/chat/core/chat/gateway"
	"github.com/eemployee/chat/core/infra/buildinfo"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/logging"
)

func main() {
	buildinfo.Log("chat-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		logging.Error("chat-gateway", "exited", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}
