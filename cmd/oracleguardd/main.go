package main

import (
	"log"

	"mintedbridge/services/oracleguardd"
)

func main() {
	if err := oracleguardd.Main(); err != nil {
		log.Fatalf("oracleguardd: %v", err)
	}
}
