// Command appctl manages client applications directly against Postgres. It is
// how the first operator application gets its credentials.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bifrost.org/internal/apps"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		usage()
	}
	dsn := os.Getenv("BIFROST_PG_DSN")
	if dsn == "" {
		fail("missing BIFROST_PG_DSN")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		fail("open db: %v", err)
	}
	defer store.Close()

	logger := obs.NewLogger("warn", os.Stderr)
	registry := apps.New(store, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "register":
		runRegister(ctx, registry, os.Args[2:])
	case "list":
		list, err := store.ListApplications(ctx)
		if err != nil {
			fail("list: %v", err)
		}
		for _, app := range list {
			fmt.Printf("%s\t%s\t%s\n", app.ID, app.Name, app.CallbackURL)
		}
	case "rotate-secret":
		if len(os.Args) < 3 {
			usage()
		}
		secret, err := registry.RotateClientSecret(ctx, os.Args[2])
		if err != nil {
			fail("rotate: %v", err)
		}
		printJSON(apps.Credentials{ClientSecret: secret})
	default:
		usage()
	}
}

func runRegister(ctx context.Context, registry *apps.Registry, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	var (
		name     = fs.String("name", "", "application name")
		callback = fs.String("callback", "", "webhook callback URL")
		web      = fs.String("web", "", "public web URL")
		forbid   = fs.String("forbid", "", "comma-separated roles the app may not grant")
	)
	_ = fs.Parse(args)

	req := apps.RegisterRequest{Name: *name, CallbackURL: *callback, WebURL: *web}
	for _, role := range strings.Split(*forbid, ",") {
		if role = strings.TrimSpace(role); role != "" {
			req.ForbiddenRoles = append(req.ForbiddenRoles, role)
		}
	}
	creds, err := registry.Register(ctx, req)
	if err != nil {
		fail("register: %v", err)
	}
	printJSON(creds)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s register -name <name> [-callback url] [-web url] [-forbid roles] | list | rotate-secret <client_id>\n", os.Args[0])
	os.Exit(1)
}
