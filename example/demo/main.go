package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	realtime "github.com/voicewire/realtime-go"
	"github.com/voicewire/realtime-go/tool"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var (
		debug       = false
		instruction = "You are a friendly assistant keeping answers short."
		message     = "Hi! What time is it?"
	)
	flag.StringVar(&instruction, "instruction", instruction, "instruction to send to the model")
	flag.StringVar(&message, "message", message, "user message to open with")
	flag.BoolVar(&debug, "debug", false, "enable debug logs")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if debug {
		logger = slog.Default()
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	client := realtime.New(
		realtime.WithLogger(logger),
		realtime.WithInstructions(instruction),
		realtime.WithTranscription("whisper-1"),
	)

	must(client.AddTool(tool.Tool{
		Description: "Get current time",
		Name:        "get_time",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, func(context.Context, map[string]any) (any, error) {
		return time.Now().Format(time.RFC3339), nil
	}))

	client.On(realtime.EventConversationUpdated, func(payload any) {
		update := payload.(*realtime.ConversationUpdate)
		if update.Delta != nil && update.Delta.Transcript != "" {
			fmt.Print(update.Delta.Transcript)
		}
	})
	client.On(realtime.EventConversationItemCompleted, func(payload any) {
		item := payload.(*realtime.Item)
		if item.Role == "assistant" {
			fmt.Println()
		}
	})

	must(client.Connect(ctx))
	must(client.WaitForSessionCreated(ctx))
	must(client.SendUserMessageContent(realtime.TextContent(message)))

	item, err := client.WaitForNextCompletedItem(ctx)
	must(err)
	fmt.Println("agent>", item.Formatted.Transcript+item.Formatted.Text)

	<-ctx.Done()
}
