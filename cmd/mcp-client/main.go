// Command mcp-client sends a prompt to an mcp-server and prints the answer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/mcprelay/mcprelay/internal/client"
	"github.com/mcprelay/mcprelay/internal/logging"
	"github.com/mcprelay/mcprelay/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server        string
	agent         string
	action        string
	prompt        string
	token         string
	signingSecret string
	conversation  string
	params        map[string]string
	timeout       time.Duration
	retries       int
	stream        bool
	cbor          bool
	newConv       bool
	listAgents    bool
	show          string
	verbose       bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var o options
	flags := pflag.NewFlagSet("mcp-client", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&o.server, "server", "s", envOr("MCP_SERVER", "http://localhost:8080"), "server base URL")
	flags.StringVarP(&o.agent, "agent", "a", "echo", "target agent")
	flags.StringVar(&o.action, "action", "chat", "agent action")
	flags.StringVarP(&o.prompt, "prompt", "p", "", "user prompt (default: remaining arguments)")
	flags.StringVar(&o.token, "token", os.Getenv("MCP_TOKEN"), "bearer token")
	flags.StringVar(&o.signingSecret, "signing-secret", os.Getenv("MCP_SIGNING_SECRET"), "sign request bodies with this secret")
	flags.StringVar(&o.conversation, "conversation", "", "conversation id to continue")
	flags.StringToStringVar(&o.params, "param", nil, "extra payload fields as key=value; JSON values are decoded")
	flags.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall request timeout")
	flags.IntVar(&o.retries, "retries", 0, "retries on 429, 503 and connection errors")
	flags.BoolVar(&o.stream, "stream", false, "stream tokens as they arrive")
	flags.BoolVar(&o.cbor, "cbor", false, "encode envelopes as CBOR")
	flags.BoolVar(&o.newConv, "new-conversation", false, "start a conversation before sending")
	flags.BoolVar(&o.listAgents, "list-agents", false, "list the server's agents and exit")
	flags.StringVar(&o.show, "show-conversation", "", "print a conversation transcript and exit")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log requests to stderr")
	help := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *help {
		fmt.Fprintln(stderr, "Usage: mcp-client [flags] [prompt...]")
		flags.PrintDefaults()
		return nil
	}
	if o.prompt == "" {
		o.prompt = strings.Join(flags.Args(), " ")
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	c := client.New(o.server, clientOptions(o, logging.Setup(level, "text", stderr))...)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	switch {
	case o.listAgents:
		return listAgents(ctx, c, stdout)
	case o.show != "":
		return showConversation(ctx, c, o.show, stdout)
	}

	if o.prompt == "" {
		return errors.New("a prompt is required")
	}
	payload, err := buildPayload(o.prompt, o.params)
	if err != nil {
		return err
	}

	if o.newConv {
		id, err := c.CreateConversation(ctx)
		if err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
		o.conversation = id
		fmt.Fprintln(stderr, color.HiBlackString("conversation: %s", id))
	}

	env := client.NewMessageForAgent(o.agent, o.action, payload)
	if o.stream {
		return streamAnswer(ctx, c, env, o.conversation, stdout)
	}
	return sendOnce(ctx, c, env, o.conversation, stdout)
}

func clientOptions(o options, logger *slog.Logger) []client.Option {
	opts := []client.Option{client.WithLogger(logger)}
	if o.token != "" {
		opts = append(opts, client.WithToken(o.token))
	}
	if o.signingSecret != "" {
		opts = append(opts, client.WithSigningSecret(o.signingSecret))
	}
	if o.cbor {
		opts = append(opts, client.WithCodec(protocol.CBOR))
	}
	if o.retries > 0 {
		opts = append(opts, client.WithRetries(o.retries, 0))
	}
	return opts
}

// buildPayload merges the prompt with --param values. Values that parse as
// JSON keep their type, so temperature=0.2 is sent as a number.
func buildPayload(prompt string, params map[string]string) (map[string]any, error) {
	payload := map[string]any{protocol.FieldUserPrompt: prompt}
	for k, v := range params {
		if k == protocol.FieldUserPrompt {
			return nil, fmt.Errorf("use --prompt to set %s", k)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			payload[k] = decoded
		} else {
			payload[k] = v
		}
	}
	return payload, nil
}

func sendOnce(ctx context.Context, c *client.Client, env protocol.Envelope, conversationID string, w io.Writer) error {
	resp, err := c.Send(ctx, env, conversationID)
	if err != nil {
		return err
	}
	if answer, ok := resp.Payload["answer"].(string); ok {
		fmt.Fprintln(w, answer)
		return nil
	}
	out, err := json.MarshalIndent(resp.Payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func streamAnswer(ctx context.Context, c *client.Client, env protocol.Envelope, conversationID string, w io.Writer) error {
	dec, err := c.Stream(ctx, env, conversationID)
	if err != nil {
		return err
	}
	defer dec.Close()

	for {
		tok, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(w)
			return nil
		}
		if err != nil {
			fmt.Fprintln(w)
			return err
		}
		fmt.Fprint(w, tok.Content)
	}
}

func listAgents(ctx context.Context, c *client.Client, w io.Writer) error {
	agents, err := c.Agents(ctx)
	if err != nil {
		return err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	for _, a := range agents {
		fmt.Fprintf(w, "%s %s\n", color.CyanString("%-10s", a.Name), a.Description)
		if len(a.Actions) > 0 {
			fmt.Fprintf(w, "%s actions: %s\n", strings.Repeat(" ", 10), strings.Join(a.Actions, ", "))
		}
	}
	return nil
}

func showConversation(ctx context.Context, c *client.Client, id string, w io.Writer) error {
	conv, err := c.Conversation(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range conv.Messages {
		role := color.GreenString("%-9s", m.Role)
		if m.Role == "user" {
			role = color.YellowString("%-9s", m.Role)
		}
		fmt.Fprintf(w, "%s %s\n", role, m.Content)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
