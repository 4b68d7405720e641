package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// a missing .env is normal outside local runs
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
