// Command gatewayctl manages the gateway's credential store: upstream
// credentials that the gateway fails over between, and the access tokens
// callers present as their API key.
//
// It reads the same STORE_DRIVER / DATABASE_URL / SQLITE_PATH settings as the
// gateway. --driver and --dsn override them.
//
// Usage:
//
//	# Add an upstream credential (appended to the failover order)
//	gatewayctl credential add --label ops@example.com --secret <platform token>
//
//	# Read the secret from stdin instead of the command line
//	printf %s "$TOKEN" | gatewayctl credential add --label ops@example.com --secret -
//
//	# Issue an access token for a caller
//	gatewayctl token issue
//
//	# Inspect and revoke
//	gatewayctl credential list
//	gatewayctl token list
//	gatewayctl token revoke 3
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
