// Package main provides the vivuchat command line client: sign in to a vivuchat server, browse past
// chats and talk to a model with its thinking shown live.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/congdinh/vivuchat/internal/services"
	"github.com/spf13/cobra"
)

const streamPath = "/api/ollama/chat/stream"

var errNotSignedIn = errors.New("not signed in, run `vivuchat login` first")

var (
	serverURL string
	logLevel  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vivuchat",
	Short: "Chat with local models through a vivuchat server",
	Long: `vivuchat talks to a vivuchat server, which relays chats to an Ollama runtime and keeps
their history. Thinking models have their reasoning shown apart from the answer.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func main() {
	// Interrupts are left to the default handler, except in the chat loop which stops replies with them.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("VIVUCHAT_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "vivuchat server URL [env VIVUCHAT_SERVER]")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Set log level (debug|info|warn|error)")

	addChatFlags(rootCmd)

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, profileCmd, passwdCmd, revokeCmd, modelsCmd, historyCmd, deleteCmd)
}

// app holds what every command needs: an authenticated client and the file its tokens live in.
type app struct {
	server string
	client services.Client
	chats  services.ChatAPI
	creds  credentialsFile
	logger *slog.Logger
}

func newApp() (*app, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}

	creds, err := defaultCredentialsFile()
	if err != nil {
		return nil, err
	}
	server := strings.TrimRight(serverURL, "/")
	saved, err := creds.load(server)
	if err != nil {
		return nil, err
	}

	auth := services.NewAuthSession(saved)
	auth.OnChange = func(c services.Credentials) {
		if err := creds.save(server, c); err != nil {
			logger.Error("Failed to save credentials", slog.String("err", err.Error()))
		}
	}

	client := services.NewClient(server, auth, logger)
	return &app{
		server: server,
		client: client,
		chats:  services.NewChatAPI(client),
		creds:  creds,
		logger: logger,
	}, nil
}

func (a *app) requireSignIn() error {
	if a.client.Auth().Credentials().AccessToken == "" {
		return errNotSignedIn
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: false,
		Prefix:          "vivuchat",
	})
	return slog.New(handler), nil
}
