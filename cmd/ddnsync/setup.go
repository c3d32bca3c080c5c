package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Travis-Britz/ddnsync"
	"github.com/sirupsen/logrus"
)

// promptToken asks for an API token without echoing it and checks it with the provider.
// readPassword is term.ReadPassword outside of tests.
func promptToken(ctx context.Context, log *logrus.Entry, fd int, out io.Writer, readPassword func(int) ([]byte, error)) (string, error) {
	fmt.Fprint(out, "Enter Cloudflare API token: ")
	b, err := readPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("error reading from stdin: %w", err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", errors.New("no token entered")
	}

	p, err := ddnsync.NewCloudflare(key, ddnsync.CloudflareLogger(log))
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	log.Info("verifying token...")
	if err := p.TestConnection(ctx); err != nil {
		return "", fmt.Errorf("unable to verify api token: %w", err)
	}
	log.Info("token verified successfully")
	return key, nil
}
