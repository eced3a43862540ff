// Command keygen bootstraps the first admin API key by inserting a hashed
// credential directly into the store. This is the only way to create the
// initial admin credential; every later key comes from the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("ORCHGATE_STORE_URL"), "postgres DSN of the orchgate store")
	name := flag.String("name", "Admin Bootstrap Key", "display name for the key")
	rateLimit := flag.Int("rate-limit", 1000, "requests per minute")
	expiresDays := flag.Int("expires-days", 0, "expiration in days (0 = never)")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing -dsn (or ORCHGATE_STORE_URL)")
	}

	db, err := repository.NewDB(*dsn, 2)
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer db.Close()

	plaintext := model.KeyPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash failed: %v", err)
	}

	key := &model.ApiKey{
		KeyHash:            string(hash),
		KeyPreview:         plaintext[:len(model.KeyPrefix)+4],
		Name:               *name,
		Description:        "Bootstrap admin key",
		CreatedAt:          time.Now().UTC(),
		IsActive:           true,
		RateLimitPerMinute: *rateLimit,
		Permissions:        []string{model.PermRead, model.PermWrite, model.PermAdmin, model.PermDelete},
	}
	if *expiresDays > 0 {
		t := key.CreatedAt.AddDate(0, 0, *expiresDays)
		key.ExpiresAt = &t
	}

	repo := repository.NewPostgresApiKeyRepo(db)
	id, err := repo.Create(context.Background(), key)
	if err != nil {
		log.Fatalf("insert failed: %v", err)
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Admin API key created")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Key ID:      %d\n", id)
	fmt.Printf("API Key:     %s\n", plaintext)
	fmt.Printf("Rate limit:  %d requests/minute\n", *rateLimit)
	fmt.Printf("Permissions: %s\n", strings.Join(key.Permissions, ", "))
	fmt.Println()
	fmt.Println("Send it on every request:")
	fmt.Printf("  X-API-Key: %s\n", plaintext)
	fmt.Println()
	fmt.Println("Save this key now; only its hash is stored.")
}
