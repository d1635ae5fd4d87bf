// Command chatsync is a terminal client for a single conversation.
package main

import (
	"github.com/joho/godotenv"
)

// set build metadata
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	Execute()
}
