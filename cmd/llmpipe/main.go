// Binary llmpipe runs streaming LLM requests against a configured gateway,
// caching each completed turn per conversation.
//
// Usage:
//
//	llmpipe [flags]
//
// Flags:
//
//	-config        path to YAML config file (default: llmpipe.yaml)
//	-prompt        one-shot prompt (skips interactive mode)
//	-conversation  conversation ID to continue (default: new conversation)
//	-ephemeral     skip cache read and write for this run
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/nickcecere/llmpipe/pkg/llm"
	"github.com/nickcecere/llmpipe/pkg/worker"
)

func main() {
	configPath := flag.String("config", "llmpipe.yaml", "path to config file")
	oneShot := flag.String("prompt", "", "one-shot prompt (non-interactive)")
	convFlag := flag.String("conversation", "", "conversation ID to continue")
	ephemeral := flag.Bool("ephemeral", false, "skip cache read and write")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	// Load .env if present so ${VAR} references in the config resolve.
	_ = godotenv.Load()

	cfg, err := worker.LoadFileConfig(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		fatalf("config: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	w, err := worker.New(settings, worker.Options{Logger: logger})
	if err != nil {
		fatalf("worker: %v", err)
	}

	conversation := *convFlag
	if conversation == "" {
		conversation = uuid.NewString()
	}

	// Cancel the in-flight request on SIGINT / SIGTERM. The handle channel
	// carries whatever request is currently running.
	handles := make(chan worker.Handle, 1)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			select {
			case h := <-handles:
				w.Cancel(h)
			default:
			}
		}
	}()

	runPrompt := func(prompt string) error {
		req := llm.Request{
			ConversationID: conversation,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: prompt},
			},
			Stream:    settings.Stream,
			Ephemeral: *ephemeral,
		}

		h, err := w.Submit(req, printEvent)
		if err != nil {
			return err
		}
		handles <- h

		st := w.Wait(h)
		select {
		case <-handles:
		default:
		}

		switch st.State {
		case worker.StateFailed:
			return st.Err
		case worker.StateCancelled:
			fmt.Fprintln(os.Stderr, "\n[cancelled]")
		}
		return nil
	}

	if *oneShot != "" {
		if err := runPrompt(*oneShot); err != nil {
			fatalf("prompt: %v", err)
		}
		return
	}

	// Interactive loop.
	fmt.Printf("[llmpipe] provider=%s model=%s conversation=%s\n",
		settings.Provider, settings.Model, shortID(conversation))
	fmt.Println("[llmpipe] type a prompt and press enter. Commands: /history /tokens /evict exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			return
		case "/history":
			printHistory(w, conversation)
			continue
		case "/tokens":
			tok, err := w.Store().ReadTokens(conversation)
			if err != nil {
				fmt.Fprintf(os.Stderr, "tokens: %v\n", err)
				continue
			}
			fmt.Printf("[tokens] input=%d output=%d total=%d\n", tok.Input, tok.Output, tok.Total)
			continue
		case "/evict":
			if err := w.Store().Evict(conversation); err != nil {
				fmt.Fprintf(os.Stderr, "evict: %v\n", err)
				continue
			}
			fmt.Println("[evicted]")
			continue
		}

		if err := runPrompt(line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// printEvent streams deltas to stdout as they arrive.
func printEvent(ev llm.StreamEvent, _ worker.Handle) {
	switch ev.Kind {
	case llm.EventContentDelta:
		fmt.Print(ev.Delta)
	case llm.EventToolCallDelta:
		if ev.ToolCall != nil && ev.ToolCall.Name != "" {
			fmt.Printf("\n[tool call] %s\n", ev.ToolCall.Name)
		}
	case llm.EventDone:
		fmt.Println()
		if ev.Usage != nil && ev.Usage.Total > 0 {
			fmt.Printf("[usage] input=%d output=%d\n", ev.Usage.Input, ev.Usage.Output)
		}
	}
}

func printHistory(w *worker.Worker, conversation string) {
	entries, err := w.Store().Load(conversation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("[no cached turns]")
		return
	}
	for _, e := range entries {
		for _, m := range e.Request {
			fmt.Printf("  %-9s  %s\n", m.Role, truncate(m.Content, 80))
		}
		fmt.Printf("  %-9s  %s\n", e.Response.Role, truncate(e.Response.Content, 80))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
