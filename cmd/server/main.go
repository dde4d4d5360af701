package main

import (
	"context"
	"log"

	"github.com/dkovalev/docvault/internal/config"
	"github.com/dkovalev/docvault/internal/server"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := server.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
