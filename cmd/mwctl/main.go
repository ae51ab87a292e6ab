package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:18799/ctl", "control-channel websocket URL")
	token := flag.String("token", "", "bearer token for the control channel, if configured")
	plain := flag.Bool("plain", false, "force the plain-line fallback instead of the TUI")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := dialCtl(dialCtx, *addr, *token)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mwctl: %v\n", err)
		os.Exit(1)
	}
	defer client.close()

	if err := client.hello(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mwctl: handshake failed: %v\n", err)
		os.Exit(1)
	}

	if *plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		runPlain(ctx, client)
		return
	}

	p := tea.NewProgram(newModel(client))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "mwctl: %v\n", err)
		os.Exit(1)
	}
}

// runPlain is the non-TTY fallback (piped output, CI, `mwctl -plain`):
// print one JSON-less summary line per poll instead of driving the
// bubbletea TUI.
func runPlain(ctx context.Context, client *ctlClient) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eps, err := client.endpoints(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mwctl: %v\n", err)
				continue
			}
			mps, err := client.mappings(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mwctl: %v\n", err)
				continue
			}
			denied, err := client.deniedCount(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mwctl: %v\n", err)
				continue
			}
			fmt.Printf("endpoints=%d mappings=%d denied=%d\n", len(eps), len(mps), denied)
		}
	}
}
