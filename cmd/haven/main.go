package main

import (
	"log"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
