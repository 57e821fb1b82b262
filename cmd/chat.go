package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/deskhand-ai/deskhand/internal/conversation"
	"github.com/deskhand-ai/deskhand/internal/provider"
)

// runChat starts the interactive chat (REPL) mode.
func runChat() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	sessionID := sessionFlag
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Suppress the banner and prompt when input is piped in.
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("deskhand %s (provider %s, session %s)\n", appVersion, rt.cfg.Provider, shortID(sessionID))
		fmt.Println("Type a message, or /new, /close, /quit.")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = uuid.NewString()
			fmt.Printf("started session %s\n", shortID(sessionID))
			continue
		case "/close":
			if err := rt.manager.Close(ctx, sessionID); err != nil {
				fmt.Fprintln(os.Stderr, "close:", err)
				continue
			}
			fmt.Printf("closed session %s; /new to start another\n", shortID(sessionID))
			continue
		}

		resp, err := rt.manager.HandleTurn(ctx, sessionID, line)
		if err != nil {
			printTurnError(err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		fmt.Println(resp.Content)
	}
	return scanner.Err()
}

// printTurnError explains the failure and whether resending makes sense.
// Retries are deliberately left to the user: resending duplicates cost on a
// paid API.
func printTurnError(err error) {
	switch {
	case conversation.IsSessionKind(err, conversation.SessionClosed):
		fmt.Fprintln(os.Stderr, "this session is closed; use /new to start another")
	case conversation.IsSessionKind(err, conversation.SessionProviderFailed):
		fmt.Fprintln(os.Stderr, "provider error:", err)
		if provider.Retryable(err) {
			fmt.Fprintln(os.Stderr, "transient failure: your message was saved, send again to retry")
		}
	case conversation.IsSessionKind(err, conversation.SessionAckFailed):
		fmt.Fprintln(os.Stderr, "the response could not be saved (it is in the trace log):", err)
	default:
		var unknown *provider.UnknownProviderError
		if errors.As(err, &unknown) {
			fmt.Fprintf(os.Stderr, "this session belongs to provider %q; restart with credentials for it\n", unknown.Name)
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
