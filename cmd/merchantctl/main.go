// Command merchantctl is the merchant backend's admin/operator CLI.
// Exit codes: 0 ok, 1 fatal, 77 environmental skip (used by selftest when a
// dependency it would check is not configured), 2 bad configuration file.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/chacha20poly1305"

	"taler-merchant/internal/config"
	"taler-merchant/internal/cryptoutil"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitEnvSkip    = 77
	exitBadConfig  = 2
)

func main() {
	root := &cobra.Command{
		Use:   "merchantctl",
		Short: "Administer a Taler merchant payment backend",
	}
	root.AddCommand(configCheckCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(masterKeyCmd())
	root.AddCommand(canonicalizeCmd())
	root.AddCommand(accountHashCmd())
	root.AddCommand(selftestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}

// configCheckCmd validates a configuration file the way merchantd loads it,
// without starting the server.
func configCheckCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "config-check <path>",
		Short: "Validate a merchant configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], env)
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
				os.Exit(exitBadConfig)
			}
			fmt.Printf("ok: currency=%s exchanges=%d\n", cfg.Currency, len(cfg.Exchanges))
			os.Exit(exitOK)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment-specific override file name")
	return cmd
}

// keygenCmd generates an Ed25519 keypair suitable for an instance's
// merchant signing key or tip-reserve key, printed as
// hex for an operator to seal and store out of band.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair (instance signing key or tip-reserve key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := cryptoutil.GenerateKeyPair()
			if err != nil {
				fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
				os.Exit(exitFatal)
			}
			fmt.Printf("public:  %s\n", hex.EncodeToString(kp.Public))
			fmt.Printf("private: %s\n", hex.EncodeToString(kp.Private))
			os.Exit(exitOK)
			return nil
		},
	}
}

// masterKeyCmd generates a fresh XChaCha20-Poly1305 key for merchantd's
// MERCHANT_MASTER_KEY / master-key config option, which seals instance
// private keys at rest (internal/cryptoutil.SealPrivateKey).
func masterKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master-key",
		Short: "Generate a master key for sealing instance private keys at rest",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, chacha20poly1305.KeySize)
			if _, err := rand.Read(key); err != nil {
				fmt.Fprintf(os.Stderr, "master-key: %v\n", err)
				os.Exit(exitFatal)
			}
			fmt.Println(hex.EncodeToString(key))
			os.Exit(exitOK)
			return nil
		},
	}
}

// canonicalizeCmd prints the canonical JSON form and domain-separated
// contract-terms hash of a document, exercising the same code path the
// Order & Contract Manager uses to hash contract terms, useful
// for an operator reproducing a dispute's hash by hand.
func canonicalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "canonicalize <file>",
		Short: "Print the canonical JSON and contract-terms hash of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "read %s: %v\n", args[0], err)
				os.Exit(exitFatal)
			}
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				fmt.Fprintf(os.Stderr, "parse %s: %v\n", args[0], err)
				os.Exit(exitFatal)
			}
			hash, canonical, err := cryptoutil.HashContractTerms(doc)
			if err != nil {
				fmt.Fprintf(os.Stderr, "canonicalize: %v\n", err)
				os.Exit(exitFatal)
			}
			fmt.Printf("%s\n", canonical)
			fmt.Printf("h_contract: %s\n", hex.EncodeToString(hash[:]))
			os.Exit(exitOK)
			return nil
		},
	}
}

// accountHashCmd prints the content-address hash of a bank account
// descriptor, the same hash an order's contract terms
// carry so a wallet can still resolve a deactivated account years later.
func accountHashCmd() *cobra.Command {
	var salt string
	cmd := &cobra.Command{
		Use:   "account-hash <payto-uri>",
		Short: "Print the content-address hash of a bank account descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := cryptoutil.AccountContentHash(args[0], salt)
			if err != nil {
				fmt.Fprintf(os.Stderr, "account-hash: %v\n", err)
				os.Exit(exitFatal)
			}
			fmt.Println(hex.EncodeToString(hash[:]))
			os.Exit(exitOK)
			return nil
		},
	}
	cmd.Flags().StringVar(&salt, "salt", "", "account salt (generate and record one per account)")
	return cmd
}

// selftestCmd performs a light environment check before a deployment or CI
// run exercises the HTTP surface against real exchanges. Exit 77 when the
// configured exchange set is empty: there is nothing to check, and a test
// harness should treat that as a skip rather than a failure, matching the
// conventional meaning of 77 (environment not set up for this check) named
// here.
func selftestCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Check that at least one exchange is configured (no reachability probe)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, "")
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
				os.Exit(exitBadConfig)
			}
			if len(cfg.Exchanges) == 0 {
				fmt.Fprintln(os.Stderr, "selftest: no exchanges configured, skipping")
				os.Exit(exitEnvSkip)
			}
			// A real reachability probe belongs to internal/exchange.Client,
			// which requires network access this CLI intentionally avoids
			// performing implicitly; operators run it against a live
			// deployment where that client is already wired.
			fmt.Printf("ok: %d exchange(s) configured\n", len(cfg.Exchanges))
			os.Exit(exitOK)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/merchant.yaml", "configuration file path")
	return cmd
}
