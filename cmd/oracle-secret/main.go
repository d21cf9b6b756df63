// Package main provides oracle-secret, the CLI that creates or checks
// the encrypted entropy file consumed by oracled.
//
// Input is read from stdin; run it in a private terminal. A sample valid
// 12-word seed phrase: oil oil oil oil oil oil oil oil oil oil oil oil
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/cadena-bitcoin/cadena-oracle/internal/keyring"
)

const defaultFileName = "secret.sec"

func main() {
	var (
		set    = flag.Bool("set", false, "Prompt for a mnemonic and save the secret file (must not exist). Default is check only.")
		file   = flag.String("file", defaultFileName, "Secret file to use")
		signet = flag.Bool("signet", false, "Assume the signet network (default mainnet)")
	)
	flag.Parse()

	network := keyring.NetworkMainnet
	if *signet {
		network = keyring.NetworkSignet
	}

	mode := "Check only"
	if *set {
		mode = "Set"
	}
	fmt.Printf("Mode: %s   File: %s   Network: %s\n", mode, *file, network)

	var err error
	if *set {
		err = doSet(*file, network)
	} else {
		err = doCheck(*file)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// doCheck decrypts an existing secret file and prints its public info.
func doCheck(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("could not read file %s: %w", file, err)
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	entropy, network, err := keyring.ParseSecretFile(strings.TrimSpace(string(data)), password)
	if err != nil {
		return fmt.Errorf("could not parse content: %w", err)
	}

	return printInfo(entropy, network)
}

// doSet prompts for a mnemonic and writes a new secret file. Refuses to
// overwrite an existing one.
func doSet(file string, network keyring.Network) error {
	if _, err := os.Stat(file); err == nil {
		return fmt.Errorf("file already exists, won't overwrite: %s", file)
	}

	mnemonic, err := readLine("Enter the seed phrase: ")
	if err != nil {
		return err
	}
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return fmt.Errorf("invalid mnemonic")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return fmt.Errorf("invalid mnemonic: %w", err)
	}

	if err := printInfo(entropy, network); err != nil {
		return err
	}

	password, err := readPassword()
	if err != nil {
		return err
	}
	passwordRepeat, err := readLine("Re-enter the encryption password: ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(passwordRepeat) != password {
		return fmt.Errorf("passwords don't match, try again")
	}

	payload, err := keyring.EncodeSecretFile(entropy, network, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, []byte(payload), 0600); err != nil {
		return fmt.Errorf("could not write file %s: %w", file, err)
	}

	fmt.Println("Secret written to file", file)
	return nil
}

// printInfo derives and prints the xpub, first address and public key
// so the operator can cross-check the seed.
func printInfo(entropy []byte, network keyring.Network) error {
	k, err := keyring.New(entropy, network)
	if err != nil {
		return err
	}

	xpub, err := k.XPub()
	if err != nil {
		return err
	}
	address, err := k.Address(0)
	if err != nil {
		return err
	}
	pubkey, err := k.PublicKey(0)
	if err != nil {
		return err
	}

	fmt.Printf("XPUB, first address, and public key (for network %s):\n", network)
	fmt.Println(" ", xpub)
	fmt.Println(" ", address)
	fmt.Println(" ", pubkey)
	fmt.Println()
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("could not read input: %w", err)
	}
	return line, nil
}

func readPassword() (string, error) {
	line, err := readLine("Enter the file encryption password: ")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
