// Command nexus-cli joins a nexus chat room from the terminal.
//
// Lines typed are sent to the room. /who prints who is online and /quit leaves.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/putto11262002/nexus/realtime"
	"github.com/putto11262002/nexus/remote"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nexus-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config, err := loadConfig(args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel}))
	out := newPrinter(os.Stdout)

	client, err := remote.New(config.Server, remote.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	if config.Register {
		_, err := client.Register(ctx, remote.RegisterInput{
			Username:    config.Username,
			DisplayName: config.DisplayName,
			Password:    config.Password,
		})
		var apiErr *remote.APIError
		switch {
		case err == nil:
			out.info("registered %s", config.Username)
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict:
			out.info("%s is already registered", config.Username)
		default:
			return fmt.Errorf("register: %w", err)
		}
	}

	session, err := client.SignIn(ctx, config.Username, config.Password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	chat, err := realtime.NewChatSession(ctx, client, config.Room, session.UserID,
		realtime.WithLogger(logger),
		realtime.WithHistoryLimit(config.History),
		realtime.OnMessages(out.messages),
		realtime.WithErrorHandler(func(err error) {
			out.info("error: %v", err)
		}),
		realtime.OnStateChange(func(c realtime.Collection, s realtime.SubscriptionState) {
			if c == realtime.CollectionMessages && s != realtime.StateSubscribed {
				out.info("feed %s", s)
			}
		}),
	)
	if err != nil {
		return err
	}
	defer chat.Close()

	select {
	case <-chat.Ready():
	case <-ctx.Done():
		return nil
	}
	out.info("joined %s as %s", chat.RoomID(), session.Username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, text := parseLine(line)
			switch cmd {
			case commandQuit:
				return nil
			case commandWho:
				out.roster(chat.Users())
			case commandUnknown:
				out.info("unknown command %s", text)
			case commandSend:
				if text == "" {
					continue
				}
				if err := chat.SendMessage(ctx, text); err != nil {
					out.info("send failed: %v", err)
				}
			}
		}
	}
}
