package pluginrpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// ErrNotServed is returned by Dial when the plugin process does not serve
// the requested capability.
var ErrNotServed = errors.New("capability not served by plugin")

// Config describes how to start one plugin process.
type Config struct {
	Path         string        // executable
	Name         string        // capability to dispense, SourcePluginName or ExporterPluginName
	Env          []string      // extra environment, KEY=VALUE
	StartTimeout time.Duration // handshake deadline, go-plugin's default when zero
	Logger       hclog.Logger  // plugin stderr and go-plugin diagnostics
}

// Conn is a running plugin process and the capability dispensed from it.
type Conn struct {
	client  *plugin.Client
	product interface{}
}

// Dial starts the plugin executable, completes the handshake and dispenses
// cfg.Name. The process is killed if any step fails or ctx ends first.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Level:  hclog.Warn,
			Output: os.Stderr,
		})
	}

	cmd := exec.Command(cfg.Path)
	cmd.Env = cfg.Env

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          pluginMap,
		Cmd:              cmd,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           logger.Named(cfg.Name),
		StartTimeout:     cfg.StartTimeout,
	})

	type result struct {
		product interface{}
		err     error
	}
	done := make(chan result, 1)
	go func() {
		rpcClient, err := client.Client()
		if err != nil {
			done <- result{err: fmt.Errorf("start plugin %s: %w", cfg.Path, err)}
			return
		}
		raw, err := rpcClient.Dispense(cfg.Name)
		if err != nil {
			done <- result{err: fmt.Errorf("%w: %q: %v", ErrNotServed, cfg.Name, err)}
			return
		}
		done <- result{product: raw}
	}()

	select {
	case <-ctx.Done():
		client.Kill()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			client.Kill()
			return nil, res.err
		}
		return &Conn{client: client, product: res.product}, nil
	}
}

// Product is the dispensed capability, a *SourceClient or *ExporterClient.
func (c *Conn) Product() interface{} { return c.product }

// Exited reports whether the plugin process has terminated.
func (c *Conn) Exited() bool { return c.client.Exited() }

// Close terminates the plugin process.
func (c *Conn) Close() error {
	c.client.Kill()
	return nil
}
