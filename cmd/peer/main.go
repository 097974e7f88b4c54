package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pitch-relay/internal/crdt"
	"pitch-relay/internal/syncclient"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	urlVar := flag.String("url", "ws://127.0.0.1:8080/tauri-pitch", "the relay sync endpoint")
	keyVar := flag.String("key", "content", "the text key to edit")
	nameVar := flag.String("name", "", "presence name to announce")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := syncclient.Dial(dialCtx, *urlVar, crdt.NewAutomergeDoc(), syncclient.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	select {
	case <-client.Synced():
	case <-client.Done():
		return fmt.Errorf("relay closed before sync: %w", client.Err())
	case <-ctx.Done():
		return nil
	}
	slog.Info("synced", "client", client.ClientID())

	if *nameVar != "" {
		if err := client.SetAwareness([]byte(*nameVar)); err != nil {
			return err
		}
	}

	go func() {
		for {
			select {
			case <-client.Changed():
				if text, err := client.Text(*keyVar); err != nil {
					slog.Error("failed to read text", "err", err)
				} else {
					fmt.Printf("%s\n> ", text)
				}
			case <-client.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := client.AppendText(*keyVar, line+"\n"); err != nil {
				return err
			}
			fmt.Print("> ")
		case <-client.Done():
			return client.Err()
		case <-ctx.Done():
			return nil
		}
	}
}
