package main

import (
	"context"
	"log"
	"os"

	"github.com/ThaADS/AiFamQuest-sub004/internal/app"
	"github.com/ThaADS/AiFamQuest-sub004/internal/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	token := func(ctx context.Context) (string, error) {
		return os.Getenv("FAMSYNC_TOKEN"), nil
	}

	a, err := app.NewApp(ctx, cfg, token)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	a.Run(ctx)

}
