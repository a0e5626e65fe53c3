package main

import (
	"log"

	"github.com/joho/godotenv"

	"parley/cmd/internal/app"
)

func main() {
	// Missing .env is fine; real deployments configure the environment directly.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
