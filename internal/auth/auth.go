// Package auth provides bot token credentials for REST and gateway authentication.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when neither a token nor a token file is configured.
var ErrNoToken = errors.New("bot token is required")

// Credentials holds the bot token used for both REST and identify.
type Credentials struct {
	Token string // Raw token without the "Bot " prefix
}

// LoadCredentials builds credentials from an inline token or a token file.
// The inline token wins when both are set.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token == "" && tokenPath != "" {
		data, err := os.ReadFile(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		token = string(data)
	}

	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bot ")
	if token == "" {
		return nil, ErrNoToken
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return nil, fmt.Errorf("bot token contains whitespace")
	}

	return &Credentials{Token: token}, nil
}

// Authorization returns the Authorization header value for REST requests.
func (c *Credentials) Authorization() string {
	return "Bot " + c.Token
}

// Redacted returns a form of the token safe to log.
func (c *Credentials) Redacted() string {
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "****" + c.Token[len(c.Token)-4:]
}

// String never exposes the token.
func (c *Credentials) String() string {
	return "Credentials{" + c.Redacted() + "}"
}
