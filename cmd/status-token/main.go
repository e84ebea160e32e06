package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/dashboard"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
)

func main() {
	secret := flag.String("secret", "", "JWT secret of the status page (defaults to the one in -config)")
	configPath := flag.String("config", "", "Configuration file to read the secret from")
	subject := flag.String("subject", "status", "Subject claim of the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of the token")
	flag.Parse()

	logger.SetLevel(logger.WARN)

	if *secret == "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
		*secret = cfg.StatusPage.JWTSecret
	}
	if *secret == "" {
		logger.Fatal("No JWT secret given and none configured")
	}

	token, err := dashboard.MintToken(*secret, *subject, *ttl)
	if err != nil {
		logger.Fatal("Failed to mint token: %v", err)
	}
	fmt.Println(token)
}
