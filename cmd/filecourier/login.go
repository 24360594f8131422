package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lmoretti/filecourier/internal/courier"
	"github.com/lmoretti/filecourier/internal/secure"
	"github.com/lmoretti/filecourier/internal/state"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		site     string
		username string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the site profile and seal the application password",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			normalized, err := courier.NormalizeBaseURL(site)
			if err != nil {
				return err
			}
			if normalized == "" {
				return errors.New("--site is required")
			}
			if username == "" {
				return errors.New("--username is required")
			}

			password, err := promptSecret("Application password: ")
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("empty password")
			}

			passphrase := a.cfg.Passphrase
			if passphrase == "" {
				passphrase, err = promptSecret("Sealing passphrase: ")
				if err != nil {
					return err
				}
			}
			if passphrase == "" {
				return errors.New("empty passphrase")
			}

			sealed, err := secure.Seal(password, passphrase)
			if err != nil {
				return fmt.Errorf("sealing password: %w", err)
			}

			if err := a.state.SetSettings(state.Settings{
				SiteURL:  normalized,
				Username: strings.TrimSpace(username),
			}); err != nil {
				return fmt.Errorf("saving settings: %w", err)
			}

			if err := a.state.SetSealedPassword(sealed); err != nil {
				return fmt.Errorf("saving sealed password: %w", err)
			}

			fmt.Printf("profile saved for %s\n", normalized)

			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "site base URL")
	cmd.Flags().StringVar(&username, "username", "", "account username")

	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored profile and sealed password",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.state.ClearCredentials(); err != nil {
				return err
			}

			fmt.Println("profile cleared")

			return nil
		},
	}
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}

		return "", errors.New("no input")
	}

	return scanner.Text(), nil
}
