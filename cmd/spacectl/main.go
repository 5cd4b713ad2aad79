// Command spacectl is the operator CLI for a spaceport deployment.
//
// Usage:
//
//	spacectl user-create -username jdoe -email jdoe@example.com [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/config"
	"github.com/spaceport-hq/spaceport/pkg/storage"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// grantFlags collects repeated -grant slug=role pairs.
type grantFlags []auth.SlugGrant

func (g *grantFlags) String() string {
	parts := make([]string, 0, len(*g))
	for _, grant := range *g {
		parts = append(parts, fmt.Sprintf("%s=%s", grant.Slug, grant.Role))
	}
	return strings.Join(parts, ",")
}

func (g *grantFlags) Set(value string) error {
	slug, role, ok := strings.Cut(value, "=")
	if !ok || slug == "" || role == "" {
		return fmt.Errorf("expected slug=role, got %q", value)
	}
	*g = append(*g, auth.SlugGrant{Slug: slug, Role: auth.Role(role)})
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "user-create":
		err = userCreate(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: spacectl <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  user-create    create a user account directly in the store")
}

func userCreate(args []string) error {
	fs := flag.NewFlagSet("user-create", flag.ExitOnError)
	username := fs.String("username", "", "Unique username (required)")
	firstName := fs.String("firstname", "", "First name")
	lastName := fs.String("lastname", "", "Last name")
	email := fs.String("email", "", "Unique email address (required)")
	password := fs.String("password", "", "Password; prompted interactively when omitted")
	staff := fs.Bool("staff", false, "Grant superuser privileges")
	serviceAccount := fs.Bool("service-account", false, "Mark the account as a service account")
	inactive := fs.Bool("inactive", false, "Create the account deactivated")
	var grants grantFlags
	fs.Var(&grants, "grant", "Space membership as slug=role; repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *username == "" || *email == "" {
		return fmt.Errorf("-username and -email are required")
	}
	if *password == "" {
		pw, err := promptPassword()
		if err != nil {
			return err
		}
		*password = pw
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	svc := users.NewService(db, audit.NewRecorder(db))
	result, err := svc.CreateUser(ctx, users.CreateUserParams{
		Username:         *username,
		FirstName:        *firstName,
		LastName:         *lastName,
		Email:            *email,
		Password:         *password,
		IsActive:         !*inactive,
		IsSuperuser:      *staff,
		IsServiceAccount: *serviceAccount,
		SpaceGrants:      grants,
	})
	if err != nil {
		return err
	}
	if !result.Status.OK() {
		return fmt.Errorf("%s", result.Status.Message)
	}

	fmt.Printf("Created user %s (id %d)\n", *username, result.UserID)
	for _, grant := range grants {
		fmt.Printf("  %s: %s\n", grant.Slug, grant.Role)
	}
	return nil
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(pw) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(pw) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(pw), nil
}
