package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/api"
	"github.com/sungwon/mail-dispatch/internal/smtp"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// NewAccountCommand groups API account administration.
func NewAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage API accounts",
	}
	cmd.AddCommand(newAccountCreateCommand())
	return cmd
}

func newAccountCreateCommand() *cobra.Command {
	var (
		emailAddr string
		accountID int64
		inactive  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API account and print its key and secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if emailAddr == "" {
				return errors.New("--email is required")
			}
			if err := smtp.ValidateEmailAddress(emailAddr); err != nil {
				return err
			}
			if accountID < 0 {
				return errors.New("--account-id must not be negative")
			}

			key, secret, err := api.NewCredentials()
			if err != nil {
				return err
			}

			db, err := storage.Open(cmd.Context(), rt.cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			acct := &storage.Account{
				AccountID: accountID,
				Email:     emailAddr,
				APIKey:    key,
				APISecret: secret,
				Active:    !inactive,
			}
			if err := storage.NewAccountStore(db.Pool).Create(cmd.Context(), acct); err != nil {
				return err
			}

			rt.logger("account").Info().
				Int64("id", acct.ID).
				Int64("account_id", acct.AccountID).
				Str("email", acct.Email).
				Msg("API account created")

			_, _ = fmt.Fprintf(rt.writer, "id:         %d\naccount_id: %d\napi_key:    %s\napi_secret: %s\n",
				acct.ID, acct.AccountID, acct.APIKey, acct.APISecret)
			return nil
		},
	}

	cmd.Flags().StringVar(&emailAddr, "email", "", "Contact address of the account")
	cmd.Flags().Int64Var(&accountID, "account-id", 0, "Tenant the key acts for (0 is the root account)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the account disabled")

	return cmd
}
