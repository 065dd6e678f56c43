package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and remember the tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		password, err := readPassword(cmd, "Password: ")
		if err != nil {
			return err
		}

		creds, err := a.client.Login(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s.\n", a.server, creds.Username)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username> <email>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		password, err := readPassword(cmd, "Password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword(cmd, "Repeat password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}

		if err := a.client.Register(cmd.Context(), args[0], args[1], password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s created. Run `vivuchat login %s` to sign in.\n", args[0], args[0])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the saved tokens and forget them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.client.Logout(cmd.Context()); err != nil {
			// The local tokens are gone either way.
			a.logger.Warn("Server did not acknowledge the logout", "err", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the server can run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.requireSignIn(); err != nil {
			return err
		}

		available, err := a.chats.Models(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range available {
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n", m.Name, mutedStyle.Render(formatSize(m.Size)))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"chats"},
	Short:   "List your chats, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.requireSignIn(); err != nil {
			return err
		}

		page, err := a.chats.ListChats(cmd.Context(), 0, historyPageSize)
		if err != nil {
			return err
		}
		newRenderer(cmd.OutOrStdout(), nil, false).history(page.Content, "")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chat-id>...",
	Short: "Delete chats and their messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.requireSignIn(); err != nil {
			return err
		}

		for _, id := range args {
			if err := a.chats.DeleteChat(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", id)
		}
		return nil
	},
}

// stdin buffers piped input so that consecutive prompts do not lose lines.
var stdin *bufio.Reader

// readPassword reads a line without echo when stdin is a terminal.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)

	if in, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(in.Fd())) {
		raw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("error reading password: %w", err)
		}
		return string(raw), nil
	}

	if stdin == nil {
		stdin = bufio.NewReader(cmd.InOrStdin())
	}
	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
