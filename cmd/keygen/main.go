// Command keygen prints a new random ENCRYPTION_KEY value
package main

import (
	"fmt"
	"log"

	"github.com/prperemyshlev/mailbox-connections/internal/encryption"
)

func main() {
	key, err := encryption.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}

	fmt.Println(key)
}
