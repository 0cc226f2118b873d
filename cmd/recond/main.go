package main

import (
	"log"

	"mintedbridge/services/recond"
)

func main() {
	if err := recond.Main(); err != nil {
		log.Fatalf("recond: %v", err)
	}
}
