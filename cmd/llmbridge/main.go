// Command llmbridge is a one-shot chat CLI for the bridge library.
//
// Usage:
//
//	llmbridge chat --config llmbridge.yaml "What is the capital of France?"
//	llmbridge chat --model openai:gpt-4o --stream "Tell me a story"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/langadventurellc/burnside-sub006/pkg/bridge"
	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Chat    ChatCmd    `cmd:"" help:"Send a chat request to the configured provider."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"llmbridge.yaml"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("llmbridge version %s\n", version)
	return nil
}

// ChatCmd sends one message and prints the assistant response.
type ChatCmd struct {
	Message string `arg:"" help:"User message."`

	Model         string `help:"Model identifier (defaults to the configured default model)."`
	System        string `help:"Optional system prompt."`
	Stream        bool   `help:"Stream the response incrementally."`
	MaxIterations int    `name:"max-iterations" help:"Agent loop iteration budget when tools are enabled." default:"0"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return err
	}

	client, err := bridge.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Dispose() }()

	req := c.buildRequest()
	if c.Stream {
		return c.streamResponse(ctx, client, req)
	}

	msg, err := client.Chat(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(protocol.ExtractText(*msg))
	return nil
}

func (c *ChatCmd) buildRequest() *protocol.ChatRequest {
	var messages []protocol.Message
	if c.System != "" {
		messages = append(messages, protocol.NewTextMessage(protocol.RoleSystem, c.System))
	}
	messages = append(messages, protocol.NewTextMessage(protocol.RoleUser, c.Message))

	req := &protocol.ChatRequest{
		Messages: messages,
		Model:    c.Model,
		Stream:   c.Stream,
	}
	if c.MaxIterations > 0 {
		req.MultiTurn = &protocol.MultiTurnConfig{MaxIterations: c.MaxIterations}
	}
	return req
}

func (c *ChatCmd) streamResponse(ctx context.Context, client *bridge.Client, req *protocol.ChatRequest) error {
	events, err := client.Stream(ctx, req)
	if err != nil {
		return err
	}

	for event := range events {
		if event.Err != nil {
			fmt.Println()
			return event.Err
		}
		fmt.Print(protocol.ExtractText(event.Delta.Delta))
	}
	fmt.Println()
	return nil
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidConfig:
		return 2
	case errs.CodeAuth:
		return 3
	case errs.CodeRateLimit:
		return 4
	case errs.CodeProvider:
		return 5
	case errs.CodeTransport:
		return 6
	default:
		return 1
	}
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("llmbridge"),
		kong.Description("Provider-agnostic LLM chat bridge"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(exitCode(err))
	}
}
