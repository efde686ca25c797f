package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/fundchat/internal/logging"
	"github.com/inercia/fundchat/internal/secrets"
)

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store the backend bearer token",
	Long: `Store the bearer token in the system keychain so later commands pick it
up automatically. Without an argument the token is read from standard input.

On platforms without a keychain, export FUNDCHAT_TOKEN instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored bearer token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func resolveToken() (string, secrets.TokenSource, error) {
	token, source, err := secrets.ResolveToken(tokenFlag)
	if err != nil {
		// a broken keychain should not block using the app
		logging.CLI().Warn("cannot read stored token", "error", err)
		return "", secrets.TokenSourceNone, nil
	}
	return token, source, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	if !secrets.IsSupported() {
		return fmt.Errorf("no keychain on this platform; export %s instead", secrets.TokenEnv)
	}

	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
		var err error
		if token, err = readToken(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}

	if err := secrets.SetToken(token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	colorOK.Fprintln(cmd.OutOrStdout(), "🔑 Token stored")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	err := secrets.DeleteToken()
	switch {
	case err == nil:
		colorOK.Fprintln(cmd.OutOrStdout(), "🔒 Token removed")
		return nil
	case errors.Is(err, secrets.ErrNotFound):
		fmt.Fprintln(cmd.OutOrStdout(), "No stored token.")
		return nil
	case errors.Is(err, secrets.ErrNotSupported):
		return fmt.Errorf("no keychain on this platform; unset %s instead", secrets.TokenEnv)
	default:
		return fmt.Errorf("failed to remove token: %w", err)
	}
}

// readToken reads a single line.
func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
