// Command conductor runs the agent orchestration daemon. It loads
// configuration from flags, environment and the optional YAML file, unlocks
// the encrypted secrets store, assembles the kernel, and serves until a
// shutdown signal arrives.
//
// The secrets subcommand manages the encrypted credential store without
// starting the daemon:
//
//	conductor secrets set INTERNAL_API_KEY
//	conductor secrets list
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/term"

	"conductor/internal/kernel"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "secrets" {
		if err := runSecrets(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	var (
		addr       string
		stateDir   string
		configPath string
		workspace  string
		policyFile string
		showVer    bool
	)

	flags := flag.NewFlagSet("conductor", flag.ExitOnError)
	flags.StringVar(&addr, "addr", "", "HTTP listen address (overrides CONDUCTOR_ADDR)")
	flags.StringVar(&stateDir, "state-dir", "", "state directory holding the database and secrets")
	flags.StringVar(&configPath, "config", "", "path to YAML config file")
	flags.StringVar(&workspace, "workspace", "", "root directory local tools operate on")
	flags.StringVar(&policyFile, "policy", "", "path to YAML approval policy")
	flags.BoolVar(&showVer, "version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if showVer {
		fmt.Printf("conductor %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return nil
	}

	if configPath != "" {
		if err := os.Setenv(config.EnvConfigFile, configPath); err != nil {
			return fmt.Errorf("failed to set config path: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags beat both the file and the environment.
	if addr != "" {
		cfg.Addr = addr
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := unlockSecrets(cfg.StateDir); err != nil {
		return err
	}

	logger := logx.NewLogger("conductor")
	logger.Info("conductor %s starting", version.Version)

	k, err := kernel.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info("Received signal %v, initiating graceful shutdown", sig)

	if err := k.Stop(); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// unlockSecrets decrypts the secrets store into memory when one exists.
// The password comes from CONDUCTOR_PASSWORD or an interactive prompt.
func unlockSecrets(stateDir string) error {
	if !config.SecretsFileExists(stateDir) {
		return nil
	}

	password := os.Getenv(config.EnvPassword)
	if password == "" {
		if !term.IsTerminal(syscall.Stdin) {
			return fmt.Errorf("secrets file exists but %s is unset and stdin is not a terminal", config.EnvPassword)
		}
		fmt.Print("Enter password to unlock secrets: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(stateDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	fmt.Printf("🔓 Unlocked %d secret(s)\n", len(secrets))
	return nil
}

// runSecrets handles the secrets subcommands: set stores one value in the
// encrypted file, list prints the stored names.
func runSecrets(args []string) error {
	var stateDir string
	flags := flag.NewFlagSet("conductor secrets", flag.ExitOnError)
	flags.StringVar(&stateDir, "state-dir", config.DefaultStateDir, "state directory holding the secrets file")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: conductor secrets [-state-dir DIR] <set NAME | list>")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return fmt.Errorf("missing secrets command")
	}

	switch rest[0] {
	case "set":
		if len(rest) != 2 {
			return fmt.Errorf("usage: conductor secrets set NAME")
		}
		return secretsSet(stateDir, rest[1])
	case "list":
		return secretsList(stateDir)
	default:
		return fmt.Errorf("unknown secrets command %q", rest[0])
	}
}

func secretsSet(stateDir, name string) error {
	creating := !config.SecretsFileExists(stateDir)

	var password string
	if creating {
		fmt.Printf("No secrets file in %s yet; creating one.\n", stateDir)
		pw, err := promptNewPassword()
		if err != nil {
			return err
		}
		password = pw
	} else {
		pw, err := promptPassword("Enter password: ")
		if err != nil {
			return err
		}
		password = pw
		existing, err := config.DecryptSecretsFile(stateDir, password)
		if err != nil {
			return err
		}
		config.SetDecryptedSecrets(existing)
	}

	value, err := promptPassword(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("empty value for %s", name)
	}

	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(stateDir, password); err != nil {
		return err
	}
	fmt.Printf("✅ Stored %s in %s\n", name, stateDir)
	return nil
}

func secretsList(stateDir string) error {
	if !config.SecretsFileExists(stateDir) {
		fmt.Printf("No secrets file in %s\n", stateDir)
		return nil
	}
	password, err := promptPassword("Enter password: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(stateDir, password)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(raw), nil
}

// promptNewPassword asks for a password twice and requires both entries to
// match.
func promptNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Choose a password: ")
		first, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Print("Confirm password: ")
		second, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if bytes.Equal(first, second) {
			password := string(first)
			for i := range first {
				first[i] = 0
			}
			for i := range second {
				second[i] = 0
			}
			return password, nil
		}
		if attempt < maxAttempts {
			fmt.Println("❌ Passwords do not match, try again.")
		}
	}
	return "", fmt.Errorf("passwords did not match after %d attempts", maxAttempts)
}
