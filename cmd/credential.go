package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-sheets/credential"
)

var ErrEmptyPassword = errors.New("password is empty")

// SecretStore reads and writes keyring items.
type SecretStore interface {
	SecretGetter
	Set(key, value string) error
	Delete(key string) error
}

func newCredentialCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "credential",
		Short: "Manage mailbox passwords in the OS keyring",
	}

	c.AddCommand(&cobra.Command{
		Use:   "set-imap-password",
		Short: "Store the password for --imap-user on --imap-host, read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, host, err := imapAccount(cmd)
			if err != nil {
				return err
			}
			store, err := openKeyring()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password for %s@%s: ", user, host)
			if err := setIMAPPassword(store, user, host, cmd.InOrStdin()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nPassword stored.")
			return nil
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "delete-imap-password",
		Short: "Remove the stored password for --imap-user on --imap-host",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, host, err := imapAccount(cmd)
			if err != nil {
				return err
			}
			store, err := openKeyring()
			if err != nil {
				return err
			}
			if err := store.Delete(credential.IMAPKey(user, host)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password removed.")
			return nil
		},
	})

	return c
}

func imapAccount(cmd *cobra.Command) (string, string, error) {
	user, err := cmd.Flags().GetString("imap-user")
	if err != nil {
		return "", "", err
	}
	host, err := cmd.Flags().GetString("imap-host")
	if err != nil {
		return "", "", err
	}
	if user == "" || host == "" {
		return "", "", fmt.Errorf("--imap-user and --imap-host are required")
	}
	return user, host, nil
}

// setIMAPPassword stores the first line of in as the password of user on host.
func setIMAPPassword(store SecretStore, user, host string, in io.Reader) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return ErrEmptyPassword
	}
	return store.Set(credential.IMAPKey(user, host), password)
}
