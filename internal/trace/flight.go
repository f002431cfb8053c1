package trace

import (
	"context"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-pager/internal/logger"
	"github.com/23skdu/longbow-pager/internal/metrics"
)

// DefaultPath is the Flight descriptor path snapshots are put under.
var DefaultPath = []string{"pager", "metadata"}

// FlightSink streams snapshot records to an Arrow Flight service.
type FlightSink struct {
	client  flight.Client
	addr    string
	path    []string
	timeout time.Duration
}

func DialFlight(addr string, path ...string) (*FlightSink, error) {
	if len(path) == 0 {
		path = DefaultPath
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "creating flight client for %s", addr)
	}
	return &FlightSink{client: client, addr: addr, path: path, timeout: 30 * time.Second}, nil
}

// Send puts rec under the sink's descriptor path and waits for the server
// to acknowledge.
func (s *FlightSink) Send(ctx context.Context, rec arrow.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return errors.Wrap(err, "opening DoPut stream")
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: s.path})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "writing record")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "closing record writer")
	}
	if err := stream.CloseSend(); err != nil {
		return errors.Wrap(err, "closing DoPut stream")
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "waiting for put result")
		}
	}

	metrics.RecordTraceRecords("flight", int(rec.NumRows()))
	logger.Log.Debug("snapshots sent", "addr", s.addr, "rows", rec.NumRows())
	return nil
}

func (s *FlightSink) Close() error {
	return s.client.Close()
}
