package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/api"
	"github.com/nugget/taskagent/internal/tools"
)

// cliUser is the identity used when --user is not given.
const cliUser = "cli"

func newAskCmd(flags *globalFlags) *cobra.Command {
	var user, conversation string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Long: `Send a single message through the full agent pipeline and print the
reply. Pass --conversation to continue an existing conversation; the new
conversation ID is printed so it can be continued later.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd, flags, user, conversation, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", cliUser, "User ID to act as")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation ID to continue")
	return cmd
}

// runAsk sends one message. Logs go to stderr so stdout carries only
// the reply.
func runAsk(ctx context.Context, cmd *cobra.Command, flags *globalFlags, user, conversation, message string) error {
	a, err := openApp(cmd, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.loop.Run(ctx, agent.Request{UserID: user, ConversationID: conversation, Message: message})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	w := cmd.OutOrStdout()
	if flags.output == "json" {
		return writeIndented(w, map[string]any{
			"conversation_id":     resp.ConversationID,
			"reply_text":          resp.Reply,
			"executed_tool_calls": resp.ToolCalls,
		})
	}
	fmt.Fprintln(w, resp.Reply)
	if resp.ConversationID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", resp.ConversationID)
	}
	return nil
}

func newChatCmd(flags *globalFlags) *cobra.Command {
	var user, conversation string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Chat with the agent interactively. Every line is sent as one message in
the same conversation. Type /new to start a fresh conversation and /quit
(or end input) to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			return chatREPL(cmd.Context(), a.loop, a.logger, cmd.InOrStdin(), cmd.OutOrStdout(), user, conversation)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", cliUser, "User ID to act as")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation ID to continue")
	return cmd
}

// chatREPL reads lines from in until EOF or /quit, sending each through
// loop within one conversation. Failures are logged; the user sees only a
// plain-language line.
func chatREPL(ctx context.Context, loop api.Runner, logger *slog.Logger, in io.Reader, out io.Writer, user, conversation string) error {
	prompt := color.New(color.FgCyan, color.Bold)
	agentName := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.Faint)
	warn := color.New(color.FgYellow)

	fmt.Fprintln(out, dim.Sprint("Type /new for a fresh conversation, /quit to leave."))

	scanner := bufio.NewScanner(in)
	for {
		prompt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			conversation = ""
			fmt.Fprintln(out, dim.Sprint("Started a new conversation."))
			continue
		}

		resp, err := loop.Run(ctx, agent.Request{UserID: user, ConversationID: conversation, Message: line})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("chat turn failed", "user", user, "conversation_id", conversation, "error", err)
			_, _, message := api.ClassifyChatError(err)
			warn.Fprintln(out, message)
			continue
		}
		if resp.ConversationID != "" {
			conversation = resp.ConversationID
		}

		for _, c := range resp.ToolCalls {
			mark := color.GreenString("✓")
			if c.Status == tools.StatusError {
				mark = color.RedString("✗")
			}
			fmt.Fprintf(out, "  %s %s\n", mark, dim.Sprint(c.Tool))
		}
		fmt.Fprintf(out, "%s %s\n", agentName.Sprint("agent>"), resp.Reply)
		if resp.Degraded {
			fmt.Fprintln(out, warn.Sprint("(model provider unavailable)"))
		}
	}
}
