package pluginrpc

import (
	"bytes"
	"context"
	"io"
	"net/rpc"

	"github.com/hashicorp/go-plugin"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// ExporterPlugin adapts novel.Exporter to go-plugin's net/rpc transport.
// The rendered output is buffered in the plugin and written to the host's
// writer once the reply arrives.
type ExporterPlugin struct {
	Impl novel.Exporter
}

func (p *ExporterPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ExporterServer{Impl: p.Impl}, nil
}

func (p *ExporterPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ExporterClient{client: c}, nil
}

type ExportArgs struct {
	Deadline
	Book novel.Book
}

type ExportReply struct {
	Status
	Data []byte
}

// ExporterServer runs inside the plugin process.
type ExporterServer struct {
	Impl novel.Exporter
}

func (s *ExporterServer) Export(args ExportArgs, reply *ExportReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()

	var buf bytes.Buffer
	err := s.Impl.Export(ctx, &args.Book, &buf)
	*reply = ExportReply{Status: statusOf(err), Data: buf.Bytes()}
	return nil
}

// ExporterClient is the host-side novel.Exporter backed by a plugin process.
type ExporterClient struct {
	client *rpc.Client
}

var _ novel.Exporter = (*ExporterClient)(nil)

func (c *ExporterClient) Export(ctx context.Context, book *novel.Book, w io.Writer) error {
	var reply ExportReply
	if err := call(ctx, c.client, "Plugin.Export", ExportArgs{Deadline: deadlineOf(ctx), Book: *book}, &reply); err != nil {
		return err
	}
	if err := reply.err(); err != nil {
		return err
	}
	_, err := w.Write(reply.Data)
	return err
}
