package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"futures-trading-bot/internal/auth"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" Control API Token Tool")
	fmt.Println("========================================")
	fmt.Println()
	fmt.Println("Hashes operator tokens for the api_token_hash config")
	fmt.Println("field. Store the hash, hand the token to the operator.")

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Hash an existing token")
		fmt.Println("  2. Generate a new token and hash")
		fmt.Println("  3. Verify a token against a hash")
		fmt.Println("  4. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "1":
			hashExisting(reader)
		case "2":
			generateToken()
		case "3":
			verifyToken(reader)
		case "4":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func hashExisting(reader *bufio.Reader) {
	fmt.Print("\nToken: ")
	token, _ := reader.ReadString('\n')
	token = strings.TrimSpace(token)

	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printHash(hash)
}

func generateToken() {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	token := hex.EncodeToString(buf)

	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nToken (shown once, give to the operator):")
	fmt.Printf("  %s\n", token)
	printHash(hash)
}

func verifyToken(reader *bufio.Reader) {
	fmt.Print("\nToken: ")
	token, _ := reader.ReadString('\n')
	fmt.Print("Hash: ")
	hash, _ := reader.ReadString('\n')

	if auth.VerifyToken(strings.TrimSpace(token), strings.TrimSpace(hash)) {
		fmt.Println("\n✓ Token matches hash")
	} else {
		fmt.Println("\n✗ Token does NOT match hash")
	}
}

func printHash(hash string) {
	fmt.Println("\nHash (put in auth.api_token_hash or Vault):")
	fmt.Printf("  %s\n", hash)
}
