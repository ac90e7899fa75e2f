package main

import (
	"github.com/helixml/screenrelay/api/cmd/relay"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	relay.Execute()
}
