package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/medchain-labs/custodia/pkg/client"
	"github.com/medchain-labs/custodia/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "custodia",
	Short: "Custodia - medical record custody service",
	Long: `Custodia keeps encrypted medical records in a content-addressed
object store, commits each record to a permissioned ledger, and gates
every read through the policy engine. The ledger stays the single
source of truth for access; this node holds the encrypted payloads,
the keys, and the relational metadata view.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		pretty, _ := cmd.Flags().GetBool("pretty")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: !pretty})
	},
}

var (
	logLevel string
	apiAddr  string
	asUser   string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Custodia version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable console logs instead of JSON")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8484", "Custodia API address")
	rootCmd.PersistentFlags().StringVar(&asUser, "as", "", "Acting user id for API commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(keyCmd)
}

func apiClient() (*client.Client, error) {
	if asUser == "" {
		return nil, fmt.Errorf("--as USER is required for API commands")
	}
	return client.New(apiAddr, asUser), nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// Record commands
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage medical records",
}

var recordCreateCmd = &cobra.Command{
	Use:   "create FILE",
	Short: "Create a record from a local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		patientID, _ := cmd.Flags().GetString("patient")
		title, _ := cmd.Flags().GetString("title")
		fileType, _ := cmd.Flags().GetString("type")
		mimeType, _ := cmd.Flags().GetString("mime")

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		ctx, cancel := cmdContext()
		defer cancel()
		rec, err := c.CreateRecord(ctx, patientID, title, fileType, args[0], mimeType, payload)
		if err != nil {
			return err
		}

		fmt.Printf("Record created\n")
		fmt.Printf("  ID:           %s\n", rec.ID)
		fmt.Printf("  Content hash: %s\n", rec.ContentHash)
		fmt.Printf("  Primary CID:  %s\n", rec.PrimaryCID)
		fmt.Printf("  Ledger tx:    %s\n", rec.LedgerTxID)
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get RECORD_ID",
	Short: "Fetch and decrypt a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		verify, _ := cmd.Flags().GetBool("verify-chain")

		ctx, cancel := cmdContext()
		defer cancel()
		rec, err := c.GetRecord(ctx, args[0], verify)
		if err != nil {
			return err
		}

		fmt.Printf("Record %s\n", rec.ID)
		fmt.Printf("  Patient:  %s\n", rec.PatientID)
		fmt.Printf("  Title:    %s\n", rec.Title)
		fmt.Printf("  Version:  %d\n", rec.VersionNumber)
		fmt.Printf("  Status:   %s\n", rec.Status)
		fmt.Printf("  Size:     %d bytes\n", len(rec.File))

		if out != "" {
			if err := os.WriteFile(out, rec.File, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Printf("Payload written to %s\n", out)
		}
		return nil
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list PATIENT_ID",
	Short: "List a patient's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		records, err := c.ListRecords(ctx, args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No records.")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  v%d  %-8s  %s\n", rec.ID, rec.VersionNumber, rec.Status, rec.Title)
		}
		return nil
	},
}

var recordArchiveCmd = &cobra.Command{
	Use:   "archive RECORD_ID",
	Short: "Archive a record (keeps it readable, rejects new versions)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		if err := c.Archive(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Record %s archived\n", args[0])
		return nil
	},
}

var recordVersionCmd = &cobra.Command{
	Use:   "version RECORD_ID FILE",
	Short: "Append a new payload version to a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}
		ctx, cancel := cmdContext()
		defer cancel()
		rec, err := c.CreateVersion(ctx, args[0], args[1], payload)
		if err != nil {
			return err
		}
		fmt.Printf("Version %d created (cid %s)\n", rec.VersionNumber, rec.PrimaryCID)
		return nil
	},
}

var recordVerifyCmd = &cobra.Command{
	Use:   "verify RECORD_ID",
	Short: "Re-verify a record's version chain and payload hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		rec, err := c.GetRecord(ctx, args[0], true)
		if err != nil {
			return err
		}
		fmt.Printf("Record %s\n", rec.ID)
		fmt.Printf("  Content hash: %s\n", rec.ContentHash)
		fmt.Printf("  Merkle root:  %s\n", rec.MerkleRoot)
		if rec.ChainVerified {
			fmt.Println("  Chain:        OK")
			return nil
		}
		fmt.Printf("  Chain:        FAILED (%s)\n", rec.ChainError)
		return fmt.Errorf("version chain verification failed")
	},
}

func init() {
	recordCmd.AddCommand(recordCreateCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordArchiveCmd)
	recordCmd.AddCommand(recordVersionCmd)
	recordCmd.AddCommand(recordVerifyCmd)

	recordCreateCmd.Flags().String("patient", "", "Patient id")
	recordCreateCmd.Flags().String("title", "", "Record title")
	recordCreateCmd.Flags().String("type", "PDF", "File type (PDF, DICOM, TEXT, IMAGE)")
	recordCreateCmd.Flags().String("mime", "application/octet-stream", "MIME type")
	recordCreateCmd.MarkFlagRequired("patient")
	recordCreateCmd.MarkFlagRequired("title")

	recordGetCmd.Flags().String("out", "", "Write the decrypted payload to this path")
	recordGetCmd.Flags().Bool("verify-chain", false, "Re-verify the version chain")
}

// Access commands
var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Manage record access grants",
}

var accessGrantCmd = &cobra.Command{
	Use:   "grant RECORD_ID GRANTEE_ID",
	Short: "Grant a user access to a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		action, _ := cmd.Flags().GetString("action")
		expires, _ := cmd.Flags().GetDuration("expires-in")

		var expiresAt *time.Time
		if expires > 0 {
			t := time.Now().Add(expires).UTC()
			expiresAt = &t
		}

		ctx, cancel := cmdContext()
		defer cancel()
		txID, err := c.Grant(ctx, args[0], args[1], action, expiresAt)
		if err != nil {
			return err
		}
		fmt.Printf("Access granted (tx %s)\n", txID)
		return nil
	},
}

var accessRevokeCmd = &cobra.Command{
	Use:   "revoke RECORD_ID GRANTEE_ID",
	Short: "Revoke a user's access to a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		txID, err := c.Revoke(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Access revoked (tx %s)\n", txID)
		return nil
	},
}

func init() {
	accessCmd.AddCommand(accessGrantCmd)
	accessCmd.AddCommand(accessRevokeCmd)

	accessGrantCmd.Flags().String("action", "READ", "Granted action (READ, WRITE, ADMIN)")
	accessGrantCmd.Flags().Duration("expires-in", 0, "Grant lifetime (0 means no expiry)")
}
