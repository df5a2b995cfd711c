package config

import (
	"encoding/base64"
	"fmt"
)

const EnvProduction = "production"

type Config struct {
	ServerAddr     string
	ApiAddr        string
	DatabaseDSN    string
	SigningKey     []byte
	Environment    string
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, apiAddr, databaseDSN, base64Secret, environment string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		ApiAddr:        apiAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		Environment:    environment,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// IsProduction reports whether the development auth bypass must be
// rejected.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
