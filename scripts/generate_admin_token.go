// +build ignore

package main

import (
	"fmt"
	"os"
	"time"

	"data_gateway/middleware"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run scripts/generate_admin_token.go <secret> <subject> [ttl]")
		fmt.Println("Example: go run scripts/generate_admin_token.go $ADMIN_JWT_SECRET ops 24h")
		os.Exit(1)
	}

	ttl := 24 * time.Hour
	if len(os.Args) > 3 {
		d, err := time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Printf("Invalid ttl: %v\n", err)
			os.Exit(1)
		}
		ttl = d
	}

	token, err := middleware.IssueAdminToken(os.Args[1], os.Args[2], middleware.AdminRole, ttl)
	if err != nil {
		fmt.Printf("Error signing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject: %s\n", os.Args[2])
	fmt.Printf("Expires: %s\n", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	fmt.Printf("Token: %s\n", token)
	fmt.Println("\nSend it as: Authorization: Bearer <token>")
}
