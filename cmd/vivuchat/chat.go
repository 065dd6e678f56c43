package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/congdinh/vivuchat/internal/conversation"
	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/stream"
	"github.com/spf13/cobra"
)

const historyPageSize = 50

var (
	chatModel    string
	resumeChatID string
	showThinking bool
	temperature  float64
	wordWrap     int
)

const chatHelp = `Commands:
  /new             start a new chat
  /history         list your chats
  /open <n|id>     continue a chat from the list
  /delete <n|id>   delete a chat
  /clear           clear the messages and leave this chat
  /help            show this help
  /quit            leave
Press Ctrl-C while a reply streams to stop it.`

func addChatFlags(cmd *cobra.Command) {
	defaults := stream.DefaultOptions()
	cmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model to chat with [default: first model the server lists]")
	cmd.Flags().StringVarP(&resumeChatID, "chat", "c", "", "Continue the chat with this id")
	cmd.Flags().BoolVar(&showThinking, "show-thinking", false, "Print the model's thinking instead of a timer")
	cmd.Flags().Float64Var(&temperature, "temperature", defaults.Temperature, "Sampling temperature")
	cmd.Flags().IntVar(&wordWrap, "wrap", 100, "Wrap rendered answers at this width")
}

// chatShell is the interactive loop around a conversation controller.
type chatShell struct {
	ctrl   *conversation.Controller
	render *renderer
	model  string

	// listed is the last history printed, so chats can be picked by number.
	listed []models.Chat
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireSignIn(); err != nil {
		return err
	}
	ctx := cmd.Context()

	model, err := pickModel(ctx, a, chatModel)
	if err != nil {
		return err
	}

	md, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(wordWrap))
	if err != nil {
		return fmt.Errorf("error creating markdown renderer: %w", err)
	}

	opts := stream.DefaultOptions()
	opts.Temperature = temperature

	ctrl := conversation.NewController(a.chats, stream.NewClient(a.client, streamPath, a.logger), opts, a.logger)
	defer ctrl.Close()

	sh := &chatShell{
		ctrl:   ctrl,
		render: newRenderer(cmd.OutOrStdout(), md, showThinking),
		model:  model,
	}
	unsubscribe := ctrl.Subscribe(sh.render.update)
	defer unsubscribe()

	if resumeChatID != "" {
		if err := sh.open(ctx, resumeChatID); err != nil {
			return err
		}
	}
	sh.render.info("Chatting with %s. Type /help for commands.", model)

	return sh.run(ctx, cmd.InOrStdin())
}

func (sh *chatShell) run(ctx context.Context, in io.Reader) error {
	// Interrupts stop a streaming reply; between replies they end the session.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := readLines(in)
	for {
		sh.render.prompt()

		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		quit, err := sh.handle(ctx, strings.TrimSpace(line))
		if err != nil && !errors.Is(err, context.Canceled) {
			// The controller already put the failure in the error banner.
			sh.ctrl.DismissError()
		}
		if quit {
			return nil
		}
		sh.waitIdle(ctx, interrupts)
	}
}

func (sh *chatShell) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, sh.ctrl.SendMessage(ctx, line, sh.model)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		sh.render.info("%s", chatHelp)
	case "/new":
		if err := sh.ctrl.CreateNewChat(ctx, false, sh.model); err != nil {
			return false, err
		}
		sh.render.info("Started a new chat.")
	case "/history":
		if err := sh.ctrl.LoadChatHistory(ctx); err != nil {
			return false, err
		}
		s := sh.ctrl.State()
		sh.listed = s.ChatHistory
		sh.render.history(sh.listed, s.ActiveChatID)
	case "/open":
		return false, sh.open(ctx, sh.resolve(arg))
	case "/delete":
		id := sh.resolve(arg)
		if id == "" {
			sh.render.info("Usage: /delete <n|id>")
			return false, nil
		}
		if err := sh.ctrl.DeleteChat(ctx, id); err != nil {
			return false, err
		}
		sh.render.info("Deleted %s.", id)
	case "/clear":
		sh.ctrl.ClearMessages()
	default:
		sh.render.info("Unknown command %s. Type /help for commands.", name)
	}
	return false, nil
}

func (sh *chatShell) open(ctx context.Context, chatID string) error {
	if chatID == "" {
		sh.render.info("Usage: /open <n|id>")
		return nil
	}
	if err := sh.ctrl.SelectChat(ctx, chatID); err != nil {
		return err
	}
	sh.render.replay(sh.ctrl.State())
	return nil
}

// resolve maps a number from the last printed history to a chat id. Anything else is taken as an id.
func (sh *chatShell) resolve(arg string) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(sh.listed) {
		return sh.listed[n-1].ID
	}
	return arg
}

// waitIdle blocks until no reply is streaming. An interrupt stops the reply.
func (sh *chatShell) waitIdle(ctx context.Context, interrupts <-chan os.Signal) {
	idle := make(chan struct{}, 1)
	unsubscribe := sh.ctrl.Subscribe(func(s conversation.State) {
		if !s.Typing {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if !sh.ctrl.State().Typing {
		return
	}
	select {
	case <-idle:
	case <-interrupts:
		sh.ctrl.StopReply()
	case <-ctx.Done():
		sh.ctrl.StopReply()
	}
}

func readLines(in io.Reader) <-chan string {
	if stdin == nil {
		stdin = bufio.NewReader(in)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := stdin.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
	return lines
}

// pickModel returns model, or the first model the server lists when model is empty.
func pickModel(ctx context.Context, a *app, model string) (string, error) {
	if model != "" {
		return model, nil
	}
	available, err := a.chats.Models(ctx)
	if err != nil {
		return "", err
	}
	if len(available) == 0 {
		return "", errors.New("the server has no models, pull one into Ollama first")
	}
	return available[0].Name, nil
}
