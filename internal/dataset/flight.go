package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

// FromFlight pulls a dataset from an Arrow Flight server. The path
// names a flight like "datasets/finetune"; records need a utf8 text
// column and may carry an id column.
func FromFlight(ctx context.Context, addr, path string) (*Dataset, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight: connect %s: %w", addr, err)
	}
	defer client.Close()

	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: strings.Split(path, "/"),
	}
	info, err := client.GetFlightInfo(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("flight: info for %s: %w", path, err)
	}

	start := time.Now()
	ds := &Dataset{Source: "flight"}
	for _, ep := range info.Endpoint {
		stream, err := client.DoGet(ctx, ep.Ticket)
		if err != nil {
			return nil, fmt.Errorf("flight: get %s: %w", path, err)
		}
		rdr, err := flight.NewRecordReader(stream)
		if err != nil {
			return nil, fmt.Errorf("flight: read %s: %w", path, err)
		}
		err = appendRecords(ds, rdr)
		rdr.Release()
		if err != nil {
			return nil, err
		}
	}

	if len(ds.Examples) == 0 {
		return nil, fmt.Errorf("flight: %s returned no examples", path)
	}

	metrics.RecordDataset(ds.Source, len(ds.Examples))
	logger.Log.Info("dataset fetched over flight",
		"addr", addr,
		"path", path,
		"examples", len(ds.Examples),
		"elapsed", time.Since(start))
	return ds, nil
}

func appendRecords(ds *Dataset, rdr *flight.Reader) error {
	for rdr.Next() {
		rec := rdr.Record()

		textIdx := rec.Schema().FieldIndices("text")
		if len(textIdx) == 0 {
			return fmt.Errorf("flight: record has no text column")
		}
		textCol, ok := rec.Column(textIdx[0]).(*array.String)
		if !ok {
			return fmt.Errorf("flight: text column is %s, want utf8", rec.Column(textIdx[0]).DataType())
		}

		var idCol *array.String
		if idIdx := rec.Schema().FieldIndices("id"); len(idIdx) > 0 {
			idCol, _ = rec.Column(idIdx[0]).(*array.String)
		}

		for i := 0; i < int(rec.NumRows()); i++ {
			ex := Example{Text: textCol.Value(i)}
			if idCol != nil {
				ex.ID = idCol.Value(i)
			}
			if ex.ID == "" {
				ex.ID = fmt.Sprintf("sample-%04d", len(ds.Examples)+1)
			}
			ds.Examples = append(ds.Examples, ex)
		}
	}
	return rdr.Err()
}
