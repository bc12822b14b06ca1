// File: cmd/mint-token/main.go
//
// mint-token prints an owner JWT signed with the configured secret, for
// local testing of the job API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"generation-reconciler/internal/config"
	"generation-reconciler/internal/infra/api"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	owner := flag.String("owner", "", "owner id to put in the token subject (Telegram chat id)")
	ttl := flag.Duration("ttl", 0, "token lifetime; defaults to auth.token_ttl")
	flag.Parse()

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "usage: mint-token -owner <id> [-config config.yaml] [-ttl 1h]")
		os.Exit(2)
	}
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	d := cfg.Auth.TokenTTL
	if *ttl > 0 {
		d = *ttl
	}
	tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret, d).Mint(*owner)
	if err != nil {
		log.Fatalf("mint: %v", err)
	}
	fmt.Println(tok)
}
