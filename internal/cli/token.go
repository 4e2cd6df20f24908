package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opsgate/opsgate/internal/api"
)

// TokenCommand handles 'opsgate token': mint a bearer token for an API
// caller, signed with the configured JWT secret.
func TokenCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("opsgate token", flag.ExitOnError)
	caller := fs.String("caller", "admin", "Caller identity embedded in the token (lands in the audit trail)")
	ttlHours := fs.Int("ttl", 0, "Token lifetime in hours (default: auth.tokenTtlHours, or 24)")

	fs.Usage = func() {
		fmt.Println(`Usage: opsgate token [--caller <id>] [--ttl <hours>]

Mint a JWT for the API. The secret comes from auth.jwtSecret in the
config, or the OPSGATE_JWT_SECRET environment variable.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  opsgate token --caller alice
  opsgate token --caller deploy-bot --ttl 1`)
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	secret := cfg.Auth.JWTSecretBytes()
	if len(secret) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no JWT secret configured")
		fmt.Fprintln(os.Stderr, "Set auth.jwtSecret in the config or export OPSGATE_JWT_SECRET.")
		return 1
	}

	ttl := time.Duration(*ttlHours) * time.Hour
	if *ttlHours <= 0 {
		ttl = time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	}

	token, err := api.GenerateToken(secret, *caller, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing token: %v\n", err)
		return 1
	}

	fmt.Println(token)
	return 0
}
