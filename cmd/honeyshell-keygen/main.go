// Package main generates the honeypot's RSA host key.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	sshserver "github.com/honeyshell/honeyshell/internal/ssh"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	path := flag.String("path", "", "Where to write the key (default $HOST_KEY_PATH or proxy/keys/host_rsa)")
	bits := flag.Int("bits", sshserver.DefaultKeyBits, "RSA key size")
	flag.Parse()

	keyPath := *path
	if keyPath == "" {
		keyPath = os.Getenv("HOST_KEY_PATH")
	}
	if keyPath == "" {
		keyPath = "proxy/keys/host_rsa"
	}

	if _, err := os.Stat(keyPath); err == nil {
		fmt.Printf("host key already exists at %s\n", keyPath)
		return
	}

	if err := sshserver.GenerateHostKey(keyPath, *bits); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating host key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("host key written to %s\n", keyPath)
}
