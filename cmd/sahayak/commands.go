package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/logger"
	"github.com/spf13/cobra"

	"github.com/room4-2/sahayak/config"
	"github.com/room4-2/sahayak/handoff"
	"github.com/room4-2/sahayak/messages"
)

func teachCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		prompt      string
		fromHandoff bool
		waitHandoff bool
		mic         bool
		screen      bool
	)

	cmd := &cobra.Command{
		Use:   "teach",
		Short: "Start a spoken teaching session",
		Long: `Start a teaching session. The optional prompt customises the teacher;
it can also be taken from the payload a prompt-creator session stored.

Type to talk, or use /mic and /screen. /quit ends the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if fromHandoff || waitHandoff {
				p, err := handoffPayload(ctx, cfg, waitHandoff)
				if err != nil {
					return err
				}
				prompt = p
			}

			c := newConsole(cfg, os.Stdout)
			defer c.Close()
			return c.Run(ctx, messages.ModeTeacher, prompt, consoleMedia{mic: mic, screen: screen})
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "custom instructions for the teacher")
	cmd.Flags().BoolVar(&fromHandoff, "from-handoff", false, "use the latest stored prompt-creator payload")
	cmd.Flags().BoolVar(&waitHandoff, "wait-handoff", false, "wait for the next prompt-creator payload before starting")
	cmd.Flags().BoolVar(&mic, "mic", false, "start with the microphone on")
	cmd.Flags().BoolVar(&screen, "screen", false, "start sharing the screen")
	return cmd
}

func createPromptCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		mode  string
		teach bool
	)

	cmd := &cobra.Command{
		Use:   "create-prompt",
		Short: "Design a teaching prompt in conversation",
		Long: `Chat with a prompt creator. When it produces the final prompt the
session ends, and with --teach a teaching session starts with that prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case messages.ModePromptCreator, messages.ModeUdaanPromptCreator:
			default:
				return fmt.Errorf("invalid mode %q", mode)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := newConsole(cfg, os.Stdout)
			defer c.Close()
			c.stopOnPayload = true
			if err := c.Run(ctx, mode, "", consoleMedia{}); err != nil {
				return err
			}

			payload := c.Payload()
			if payload == "" {
				return nil
			}
			fmt.Fprintf(os.Stdout, "\nFinal prompt:\n%s\n\n", payload)
			if !teach {
				return nil
			}

			next := newConsole(cfg, os.Stdout)
			defer next.Close()
			return next.Run(ctx, messages.ModeTeacher, payload, consoleMedia{})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", messages.ModePromptCreator, "prompt-creator or udaan-prompt-creator")
	cmd.Flags().BoolVar(&teach, "teach", false, "start a teaching session with the created prompt")
	return cmd
}

func handoffPayload(ctx context.Context, cfg *config.ClientConfig, wait bool) (string, error) {
	if cfg.RedisURL == "" {
		return "", errors.New("REDIS_URL is not set, payload handoff is unavailable")
	}
	store, err := handoff.New(ctx, cfg.RedisURL, cfg.RedisPassword, handoff.DefaultTTL)
	if err != nil {
		return "", err
	}
	defer store.Close()

	if !wait {
		rec, err := store.Latest(ctx)
		if err != nil {
			return "", fmt.Errorf("latest payload: %w", err)
		}
		logger.Infof("📦 using payload from %s session %s", rec.Mode, rec.SessionID)
		return rec.Payload, nil
	}

	records, err := store.Subscribe(ctx)
	if err != nil {
		return "", err
	}
	fmt.Println("Waiting for a prompt-creator session to finish...")
	select {
	case rec, ok := <-records:
		if !ok {
			return "", errors.New("handoff subscription closed")
		}
		logger.Infof("📦 received payload from %s session %s", rec.Mode, rec.SessionID)
		return rec.Payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
