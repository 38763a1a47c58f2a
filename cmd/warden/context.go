package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"warden/internal/config"
	"warden/internal/ipc"
)

type commandContext struct {
	configFlag *string
	senderFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag, senderFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		senderFlag: senderFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) client() (*ipc.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	var sender string
	if c.senderFlag != nil {
		sender = strings.TrimSpace(*c.senderFlag)
	}
	return ipc.NewClient(ipc.ClientOptions{
		SocketPath:     cfg.SocketPath(),
		WriteLockPath:  cfg.WriteLockPath(),
		ConnectTimeout: cfg.ConnectTimeout(),
		LockTimeout:    cfg.LockTimeout(),
		Sender:         sender,
	}), nil
}

// request sends one message expecting a Response and returns its content.
func (c *commandContext) request(ctx context.Context, t ipc.MessageType, content []string) ([]string, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	reply, err := client.Request(ctx, client.Message(t, content...))
	if err != nil {
		return nil, wrapChannelError(err)
	}
	return reply.Content, nil
}

// send delivers one message that receives no reply.
func (c *commandContext) send(ctx context.Context, t ipc.MessageType, content []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	if err := client.Send(ctx, client.Message(t, content...)); err != nil {
		return wrapChannelError(err)
	}
	return nil
}

func wrapChannelError(err error) error {
	if errors.Is(err, ipc.ErrConnectTimeout) {
		return fmt.Errorf("connect to daemon: %w; start the daemon with `warden start`", err)
	}
	return fmt.Errorf("daemon channel: %w", err)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
