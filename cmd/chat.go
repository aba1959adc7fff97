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
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfork/openfork/internal/agent"
	"github.com/openfork/openfork/internal/bootstrap"
	"github.com/openfork/openfork/internal/config"
	"github.com/openfork/openfork/internal/prompt"
	"github.com/openfork/openfork/internal/store"
)

func chatCmd() *cobra.Command {
	var (
		agentSlug    string
		resume       string
		continueLast bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with an agent in the current project",
		Long: "Starts an interactive chat session. With a message argument, runs " +
			"one turn and exits. Use --continue to pick up the most recent " +
			"session, or --resume <id> for a specific one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return chat(cmd, args, agentSlug, resume, continueLast)
		},
	}
	cmd.Flags().StringVarP(&agentSlug, "agent", "a", "main", "agent to chat with")
	cmd.Flags().StringVar(&resume, "resume", "", "resume the session with this id")
	cmd.Flags().BoolVarP(&continueLast, "continue", "c", false, "continue the most recent session")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	return chat(cmd, args, "main", "", false)
}

func chat(cmd *cobra.Command, args []string, agentSlug, resume string, cont bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, prompt.NewTerminal(), Version)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()
	go app.WatchHooks(ctx)

	def, err := app.Agents.Get(agentSlug)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, app, cfg, agentSlug, resume, cont)
	if err != nil {
		return err
	}

	callbacks := agent.Callbacks{
		OnDelta: func(content string, done bool) {
			if done {
				fmt.Println()
				return
			}
			fmt.Print(content)
		},
		OnToolExecution: func(name string, _ map[string]any, _ string, isError bool) {
			status := "ok"
			if isError {
				status = "error"
			}
			fmt.Fprintf(os.Stderr, "  [%s: %s]\n", name, status)
		},
	}

	runTurn := func(input string) error {
		app.Sessions.EnsureTitle(ctx, sess, input)
		_, err := app.Loop.Run(ctx, agent.RunRequest{
			Session:   sess,
			Agent:     def,
			Input:     input,
			Callbacks: callbacks,
		})
		return err
	}

	if len(args) > 0 {
		return runTurn(strings.Join(args, " "))
	}

	fmt.Printf("openfork %s | agent %q, session %s (ctrl-d to exit)\n", Version, agentSlug, sess.ID)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/exit" || input == "/quit" {
			return nil
		}
		if err := runTurn(input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func openSession(ctx context.Context, app *bootstrap.App, cfg *config.Config, agentSlug, resume string, cont bool) (*store.Session, error) {
	switch {
	case resume != "":
		id, err := uuid.Parse(resume)
		if err != nil {
			return nil, fmt.Errorf("invalid session id %q: %w", resume, err)
		}
		return app.Sessions.Continue(ctx, id)
	case cont:
		sess, err := app.Sessions.Latest(ctx, cfg.Workspace())
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		fallthrough
	default:
		return app.Sessions.Open(ctx, cfg.Workspace(), agentSlug)
	}
}
