package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	flag "github.com/spf13/pflag"

	"github.com/pgrelay/backend/internal/watch"
)

func main() {
	addr := flag.StringP("url", "u", "ws://127.0.0.1:8080", "Gateway base URL (ws://, wss://, http:// or https://)")
	key := flag.StringP("key", "k", "*", "Subscription key to follow")
	token := flag.StringP("token", "t", os.Getenv("PGRELAY_TOKEN"), "Auth token (if the gateway requires one)")
	flag.Parse()

	base, err := wsBase(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	m := watch.New(watch.NewClient(base, *key, *token))
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// wsBase normalizes addr to a ws:// or wss:// origin with no path.
func wsBase(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme in %q", addr)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", addr)
	}
	return u.Scheme + "://" + u.Host, nil
}
