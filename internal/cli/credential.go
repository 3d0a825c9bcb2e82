package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/secret"
)

var (
	credProvider       string
	credRefreshToken   string
	credInstallationID int64
	credExpiresIn      time.Duration
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage encrypted code-host credentials",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <account-id>",
	Short: "Store an access token for an account",
	Long: `Store an access token for an account.

The token is read from stdin so it never lands in shell history. It is
encrypted with TOKEN_ENCRYPTION_KEY before it is written.

Examples:
  echo "$GITLAB_TOKEN" | conductorctl credential set 4411 --refresh-token "$REFRESH"
  echo "$INSTALL_TOKEN" | conductorctl credential set acme --provider github --installation-id 912`,
	Args: cobra.ExactArgs(1),
	RunE: runCredentialSet,
}

func init() {
	f := credentialSetCmd.Flags()
	f.StringVar(&credProvider, "provider", string(model.ProviderGitLab), "code host: gitlab or github")
	f.StringVar(&credRefreshToken, "refresh-token", "", "OAuth refresh token (gitlab)")
	f.Int64Var(&credInstallationID, "installation-id", 0, "app installation id (github)")
	f.DurationVar(&credExpiresIn, "expires-in", 2*time.Hour, "remaining lifetime of the access token")

	credentialCmd.AddCommand(credentialSetCmd)
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	provider := model.Provider(credProvider)
	if !provider.Valid() {
		return fmt.Errorf("invalid provider %q", credProvider)
	}
	if cfg.SecretKey == "" {
		return errors.New("TOKEN_ENCRYPTION_KEY is not set")
	}
	box, err := secret.NewBox(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	token, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && token == "" {
		return fmt.Errorf("read token from stdin: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token on stdin")
	}

	cred, err := buildCredential(box, args[0], provider, token, time.Now())
	if err != nil {
		return err
	}
	if err := stores.Credentials().Upsert(ctx, cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Stored %s credential for account %s (expires %s)\n",
		provider, cred.AccountID, cred.ExpiresAt.Format(time.RFC3339))
	return nil
}

func buildCredential(box *secret.Box, accountID string, provider model.Provider, token string, now time.Time) (*model.Credential, error) {
	encrypted, err := box.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}
	cred := &model.Credential{
		AccountID:      accountID,
		Provider:       provider,
		EncryptedToken: encrypted,
		ExpiresAt:      now.Add(credExpiresIn),
	}
	if credRefreshToken != "" {
		encRefresh, err := box.Encrypt(credRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		cred.EncryptedRefreshToken = &encRefresh
	}
	if credInstallationID > 0 {
		installationID := credInstallationID
		cred.InstallationID = &installationID
	}
	return cred, nil
}
