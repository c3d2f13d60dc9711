package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"bookvault/internal/auth"
	"bookvault/internal/config"
	"bookvault/internal/domain"
	"bookvault/internal/store"
	"bookvault/internal/util"
)

// Seeds an account directly in the database. Used to bootstrap the first
// admin before the API has anyone who could create one.
func main() {
	var (
		configPath = flag.String("config", config.ConfigPath, "path to config file")
		username   = flag.String("username", "", "username for the new account")
		password   = flag.String("password", "", "password for the new account")
		role       = flag.String("role", "admin", "role: admin, developer or student")
		first      = flag.String("first", "", "first name")
		last       = flag.String("last", "", "last name")
	)
	flag.Parse()

	if strings.TrimSpace(*username) == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: createuser -username NAME -password PASS [-role admin|developer|student]")
		os.Exit(2)
	}
	parsedRole, ok := domain.ParseRole(*role)
	if !ok {
		log.Fatalf("unknown role %q", *role)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	records, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}

	exists, err := records.HasUsername(strings.TrimSpace(*username))
	if err != nil {
		log.Fatalf("failed to check username: %v", err)
	}
	if exists {
		log.Fatalf("username %q is already taken", *username)
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}
	user := domain.User{
		ID:           store.NewID(),
		Username:     strings.TrimSpace(*username),
		FirstName:    strings.TrimSpace(*first),
		LastName:     strings.TrimSpace(*last),
		PasswordHash: hash,
		Role:         parsedRole,
		CreatedAt:    time.Now().UTC(),
	}
	if err := records.SaveUser(user); err != nil {
		log.Fatalf("failed to save user: %v", err)
	}
	fmt.Printf("created %s account %q (id %s)\n", user.Role, user.Username, user.ID)
}
