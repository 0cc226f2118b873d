package main

import (
	"log"

	"mintedbridge/services/bridged"
)

func main() {
	if err := bridged.Main(); err != nil {
		log.Fatalf("bridged: %v", err)
	}
}
