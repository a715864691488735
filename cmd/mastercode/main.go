// Command mastercode produces the bcrypt hash stored in otp.master_code_hash.
// The plaintext code is read from stdin so it stays out of shell history.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	check := flag.String("check", "", "verify the code on stdin against this hash instead of creating one")
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	code, err := readCode(os.Stdin)
	if err != nil {
		log.Fatalf("Failed to read code: %v", err)
	}

	if *check != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(*check), []byte(code)); err != nil {
			fmt.Println("code does not match")
			os.Exit(1)
		}
		fmt.Println("code matches")
		return
	}

	hash, err := hashCode(code, *cost)
	if err != nil {
		log.Fatalf("Failed to hash code: %v", err)
	}
	fmt.Println(hash)
}

func readCode(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	code := strings.TrimSpace(line)
	if len(code) < 8 {
		return "", fmt.Errorf("master code must be at least 8 characters")
	}
	return code, nil
}

func hashCode(code string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
