package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatseal/config"
	"chatseal/engine"
	"chatseal/models"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Flag variables.
var (
	userID         string
	conversationID string
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use:   "chatseal",
	Short: "Opens an end-to-end encrypted conversation on the configured backend.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(userID, conversationID)
	},
}

// init defines the command's flags.
func init() {
	cmd.Flags().StringVarP(&userID, "user", "u", os.Getenv(config.EnvPrefix+"_USER_ID"),
		"Local user ID. Defaults to $"+config.EnvPrefix+"_USER_ID.")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "",
		"Conversation to open.")
	_ = cmd.MarkFlagRequired("conversation")
}

func run(userID, conversationID string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Open(ctx, cfg, dataDir, userID, logger)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error().Err(err).Msg("engine close error")
		}
	}()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("User ID:         %s\n", e.UserID())
	fmt.Printf("Backend:         %s\n", cfg.BackendAddress)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Storage:         %s\n", cfg.StorageBackend)

	messages, err := e.OpenConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	printStatus(e, conversationID)
	for _, message := range messages {
		printMessage(message)
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, e, conversationID, line); err != nil {
				logger.Error().Err(err).Msg("command failed")
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine sends plain input as a message. Lines starting with "/" are
// commands: /list, /method <name>, /key <secret>, /regen, /verify.
func handleLine(ctx context.Context, e *engine.Engine, conversationID, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := e.Send(ctx, conversationID, engine.Draft{Text: line})
		return err
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	switch command {
	case "list":
		for _, message := range e.Messages(conversationID) {
			printMessage(message)
		}
	case "method":
		method, err := models.ParseEncryptionMethod(arg)
		if err != nil {
			return err
		}
		if _, err := e.SwitchMethod(ctx, conversationID, method, true); err != nil {
			return err
		}
		printStatus(e, conversationID)
	case "key":
		return e.SetCustomKey(conversationID, arg)
	case "regen":
		if _, err := e.RegenerateKey(ctx, conversationID); err != nil {
			return err
		}
		printStatus(e, conversationID)
	case "verify":
		ok, err := e.VerifyKey(ctx, conversationID)
		if err != nil {
			return err
		}
		fmt.Printf("Key on server:   %t\n", ok)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func printStatus(e *engine.Engine, conversationID string) {
	method, err := e.Method(conversationID)
	if err == nil {
		fmt.Printf("Method:          %s\n", method)
	}
	if fingerprint, err := e.Fingerprint(conversationID); err == nil && fingerprint != "" {
		fmt.Printf("Fingerprint:     %s\n", fingerprint)
	}
	if warning := e.KeyWarning(conversationID); warning != "" {
		fmt.Printf("Warning:         %s\n", warning)
	}
}

func printMessage(message *models.Message) {
	text := message.PlainText
	if text == "" && message.HasAttachment() {
		text = "[attachment]"
	}
	fmt.Printf("[%s] %s (%s): %s\n", message.CreatedAt.Format("15:04"), message.SenderID, message.Status, text)
}
