// Package command forwards operator input lines to the supervised server.
package command

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/ollamad/internal/state"
)

// ErrClosed is returned by Issue after Close.
var ErrClosed = errors.New("command channel closed")

// Sender writes one line to the server.
type Sender interface {
	SendInput(text string) error
}

// Log receives the echo and error lines of each exchange.
type Log interface {
	Append(origin state.Origin, text string) state.Line
}

// logged is implemented by errors the Sender already wrote to the log.
type logged interface{ Logged() bool }

func alreadyLogged(err error) bool {
	var l logged
	return errors.As(err, &l) && l.Logged()
}

type request struct {
	ctx   context.Context
	text  string
	reply chan error
}

// Channel runs exchanges one at a time on a single worker, so the echo line
// of a command always precedes any output it produces.
type Channel struct {
	sender Sender
	log    Log
	logger *slog.Logger

	reqs      chan request
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the worker.
func New(sender Sender, log Log, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		sender: sender,
		log:    log,
		logger: logger.With("component", "command"),
		reqs:   make(chan request, 32),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Issue queues text and waits for the exchange to finish.
func (c *Channel) Issue(ctx context.Context, text string) error {
	text = strings.TrimRight(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return errors.New("empty command")
	}
	req := request{ctx: ctx, text: text, reply: make(chan error, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.reqs:
			req.reply <- c.exchange(req)
		case <-c.done:
			// fail anything still queued
			for {
				select {
				case req := <-c.reqs:
					req.reply <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) exchange(req request) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	c.log.Append(state.OriginSystem, "$ "+req.text)
	if err := c.sender.SendInput(req.text); err != nil {
		if !alreadyLogged(err) {
			c.log.Append(state.OriginError, "command failed: "+err.Error())
			c.logger.Warn("input not delivered", "error", err)
		}
		return err
	}
	return nil
}

// Close stops the worker. Queued commands fail with ErrClosed.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}
