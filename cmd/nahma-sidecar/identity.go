package main

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nahma/sidecar/pkg/config"
	"github.com/nahma/sidecar/pkg/identity"
)

// Identity commands
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the local identity",
	Long: `The identity is a keypair plus display metadata, sealed on disk under a
passphrase. The recovery phrase shown at creation is the only way to
restore the keypair on another machine.`,
}

var identityCreateCmd = &cobra.Command{
	Use:   "create HANDLE",
	Short: "Create a new identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identityStore(cmd)
		if err != nil {
			return err
		}
		if store.Exists() {
			return fmt.Errorf("an identity already exists; delete it first or use a different storage directory")
		}

		password, err := promptNewPassword("Passphrase: ")
		if err != nil {
			return err
		}
		platform, _ := cmd.Flags().GetString("platform")

		id, err := store.Create(password, args[0], platform)
		if err != nil {
			return fmt.Errorf("failed to create identity: %w", err)
		}

		fmt.Println("✓ Identity created")
		fmt.Printf("  Handle:     %s\n", id.Handle)
		fmt.Printf("  Public key: %s\n", id.PublicKeyHex())
		fmt.Println()
		fmt.Println("Recovery phrase (write it down, it is shown only once):")
		fmt.Printf("  %s\n", id.Mnemonic)
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the identity and its devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identityStore(cmd)
		if err != nil {
			return err
		}
		password, err := promptPassword("Passphrase: ")
		if err != nil {
			return err
		}

		id, err := store.Load(password)
		if err != nil {
			return err
		}

		fmt.Printf("Handle:     %s\n", id.Handle)
		fmt.Printf("Public key: %s\n", id.PublicKeyHex())
		fmt.Printf("Created:    %s\n", id.CreatedAt.Format(time.RFC3339))
		fmt.Println("Devices:")
		for _, d := range id.Devices {
			marker := " "
			if d.IsCurrent {
				marker = "*"
			}
			fmt.Printf("  %s %s (%s) last seen %s\n",
				marker, d.ID, d.Platform, d.LastSeen.Format(time.RFC3339))
		}
		return nil
	},
}

var identityExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the identity as a portable blob",
	Long: `Seal the recovery phrase and display metadata under a separate export
passphrase. The blob can be imported on another machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identityStore(cmd)
		if err != nil {
			return err
		}
		password, err := promptPassword("Passphrase: ")
		if err != nil {
			return err
		}
		exportPassword, err := promptNewPassword("Export passphrase: ")
		if err != nil {
			return err
		}

		blob, err := store.Export(password, exportPassword)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if err := os.WriteFile(out, blob, 0o600); err != nil {
			return fmt.Errorf("failed to write export file: %w", err)
		}
		fmt.Printf("✓ Identity exported to %s\n", out)
		return nil
	},
}

var identityImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import an identity from an export blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identityStore(cmd)
		if err != nil {
			return err
		}
		if store.Exists() {
			return fmt.Errorf("an identity already exists; delete it first or use a different storage directory")
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read export file: %w", err)
		}
		exportPassword, err := promptPassword("Export passphrase: ")
		if err != nil {
			return err
		}
		password, err := promptNewPassword("New passphrase: ")
		if err != nil {
			return err
		}
		platform, _ := cmd.Flags().GetString("platform")

		id, err := store.Import(raw, exportPassword, password, platform)
		if err != nil {
			return err
		}

		fmt.Println("✓ Identity imported")
		fmt.Printf("  Handle:     %s\n", id.Handle)
		fmt.Printf("  Public key: %s\n", id.PublicKeyHex())
		return nil
	},
}

var identityDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the sealed identity from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identityStore(cmd)
		if err != nil {
			return err
		}

		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Print("Delete the identity? The keypair is unrecoverable without the recovery phrase. [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := store.Delete(); err != nil {
			return err
		}
		fmt.Println("✓ Identity deleted")
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityCreateCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityExportCmd)
	identityCmd.AddCommand(identityImportCmd)
	identityCmd.AddCommand(identityDeleteCmd)

	identityCmd.PersistentFlags().String("storage-dir", "", "Storage directory (defaults to the configured one)")

	identityCreateCmd.Flags().String("platform", runtime.GOOS, "Platform label for this device")
	identityImportCmd.Flags().String("platform", runtime.GOOS, "Platform label for this device")
	identityExportCmd.Flags().String("out", "nahma-identity.export", "Output file for the export blob")
}

// identityStore resolves the storage directory the same way serve does
// unless --storage-dir overrides it.
func identityStore(cmd *cobra.Command) (*identity.Store, error) {
	dir, _ := cmd.Flags().GetString("storage-dir")
	if dir == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		dir = cfg.StorageDir
	}
	return identity.NewStore(dir)
}

// promptPassword reads a passphrase without echo. When stdin is not a
// terminal it falls back to a plain line read so the commands stay
// scriptable.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptNewPassword asks twice and rejects empty or mismatched input.
func promptNewPassword(prompt string) (string, error) {
	password, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	confirm, err := promptPassword("Confirm: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passphrases do not match")
	}
	return password, nil
}
