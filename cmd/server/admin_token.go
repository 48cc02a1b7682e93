package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"delivery-guard/internal/config"
	"delivery-guard/internal/security"
)

// runAdminToken mints a bearer token for the admin routes with ADMIN_JWT_SECRET.
//
//	delivery-guard admin-token -subject ops@example.com -role admin -ttl 8h
func runAdminToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "admin identifier recorded in the audit log")
	role := fs.String("role", security.RoleAdmin, "superadmin or admin")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *subject == "":
		return errors.New("admin-token: -subject is required")
	case *role != security.RoleAdmin && *role != security.RoleSuperadmin:
		return fmt.Errorf("admin-token: unknown role %q", *role)
	case *ttl <= 0:
		return errors.New("admin-token: -ttl must be positive")
	}

	cfg := config.LoadConfig()
	if cfg.Admin.JWTSecret == "" {
		return errors.New("admin-token: ADMIN_JWT_SECRET is not set")
	}

	token, err := security.NewAdminVerifier(cfg.Admin.JWTSecret).Sign(*subject, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
