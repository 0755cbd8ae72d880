package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/solatis/surveykeeper/internal/core/auth"
	"github.com/solatis/surveykeeper/internal/core/config"
	"github.com/solatis/surveykeeper/internal/core/sealing"
	"github.com/solatis/surveykeeper/internal/types"
)

var apiKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Manage API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key; the key is printed once and only its hash is stored",
	Args:  cobra.NoArgs,
	RunE:  runAPIKeyCreate,
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

var encryptionKeyCmd = &cobra.Command{
	Use:   "encryption-key",
	Short: "Print a new encryption key for SK_ENCRYPTION_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := sealing.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apiKeyCmd, encryptionKeyCmd)
	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyRevokeCmd)

	apiKeyCreateCmd.Flags().String("user", "", "user id the key authenticates as")
	apiKeyCreateCmd.Flags().String("role", string(types.RoleRespondent), "admin, analyst, data_viewer or respondent")
	apiKeyCreateCmd.Flags().String("name", "", "label for the key")
	apiKeyCreateCmd.Flags().String("secret-id", "", "HMAC secret to bind the key to (required with several secrets)")
	apiKeyCreateCmd.MarkFlagRequired("user")
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	roleName, _ := cmd.Flags().GetString("role")
	name, _ := cmd.Flags().GetString("name")
	secretID, _ := cmd.Flags().GetString("secret-id")

	role, err := types.ParseRole(roleName)
	if err != nil {
		return err
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	secretID, err = pickSecret(secrets, secretID)
	if err != nil {
		return err
	}

	key, hash, err := auth.GenerateAPIKey(secretID, secrets[secretID])
	if err != nil {
		return err
	}

	database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	id, err := store.CreateAPIKey(context.Background(), user, role, name, hash)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key_id: %s\n", id)
	fmt.Fprintf(out, "api_key: %s\n", key)
	return nil
}

func pickSecret(secrets map[string][]byte, secretID string) (string, error) {
	if secretID != "" {
		if _, ok := secrets[secretID]; !ok {
			return "", fmt.Errorf("secret %s is not configured", secretID)
		}
		return secretID, nil
	}
	switch len(secrets) {
	case 0:
		return "", fmt.Errorf("no HMAC secrets configured (set SK_HMAC_SECRET environment variable)")
	case 1:
		for id := range secrets {
			return id, nil
		}
	}
	ids := make([]string, 0, len(secrets))
	for id := range secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "", fmt.Errorf("several HMAC secrets configured, pick one with --secret-id (%v)", ids)
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := store.RevokeAPIKey(context.Background(), args[0]); err != nil {
		return fmt.Errorf("revoke %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
	return nil
}
