// Command stafftoken mints a bearer token for the staff API using the
// server's AUTH_SECRET. It is meant for local development and scripted
// back-office jobs.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"confi/backend/internal/config"
	"confi/backend/internal/httpapi"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "stafftoken: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stafftoken", flag.ContinueOnError)
	username := fs.String("user", "", "staff username recorded as the actor")
	role := fs.String("role", httpapi.RoleStaff, "staff or admin")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is not set")
	}

	token, expiresAt, err := httpapi.NewAuthenticator(cfg.AuthSecret).IssueToken(*username, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
	return err
}
