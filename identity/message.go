package identity

import (
	"fmt"
	"strings"
	"time"
)

// MessageParams fills the sign-in message. The layout follows EIP-4361 so
// wallets render it as a sign-in request.
type MessageParams struct {
	Domain    string
	Address   string
	Statement string
	URI       string
	ChainID   int64
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// BuildMessage renders the exact text the wallet signs.
func BuildMessage(p MessageParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", p.Domain)
	b.WriteString(p.Address)
	b.WriteString("\n\n")
	if statement := strings.TrimSpace(p.Statement); statement != "" {
		b.WriteString(statement)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "URI: %s\n", p.URI)
	b.WriteString("Version: 1\n")
	fmt.Fprintf(&b, "Chain ID: %d\n", p.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", p.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", p.IssuedAt.UTC().Format(time.RFC3339))
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "\nExpiration Time: %s", p.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
