package tasks

import (
	"context"
	"errors"
	"strings"

	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
)

// commandHook runs a shell command on the broker host over the transport.
type commandHook struct {
	dialer  remote.Dialer
	command string
}

func (h commandHook) run(ctx context.Context, target Target) error {
	session, err := h.dialer.Open(ctx, target.Host)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	_, err = remote.RunChecked(ctx, session, h.command)
	return err
}

type preStopCommand struct{ commandHook }

func (c preStopCommand) PreStop(ctx context.Context, target Target) error {
	return c.run(ctx, target)
}

type postStopCommand struct{ commandHook }

func (c postStopCommand) PostStop(ctx context.Context, target Target) error {
	return c.run(ctx, target)
}

func newCommandHook(arg string, deps Dependencies) (commandHook, error) {
	command := strings.TrimSpace(arg)
	if command == "" {
		return commandHook{}, errors.New("command must not be empty")
	}
	if deps.Dialer == nil {
		return commandHook{}, errors.New("no remote transport available")
	}
	return commandHook{dialer: deps.Dialer, command: command}, nil
}

func newPreStopCommand(arg string, deps Dependencies) (interface{}, error) {
	hook, err := newCommandHook(arg, deps)
	if err != nil {
		return nil, err
	}
	return preStopCommand{hook}, nil
}

func newPostStopCommand(arg string, deps Dependencies) (interface{}, error) {
	hook, err := newCommandHook(arg, deps)
	if err != nil {
		return nil, err
	}
	return postStopCommand{hook}, nil
}
