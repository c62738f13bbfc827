package main

import (
	"github.com/joho/godotenv"

	"fx-rate-alerts/internal/cli"
)

func main() {
	// Missing .env is fine; every setting has a default or config entry.
	_ = godotenv.Load()

	cli.Execute()
}
