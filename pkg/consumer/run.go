package consumer

import (
	"context"

	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Delivery is one event handed to a partition worker. Done is called exactly
// once with the Process result; a nil error acknowledges the event.
type Delivery struct {
	Event *types.ChangeEvent
	Done  func(err error)
}

// Run starts one serial worker per partition and blocks until ctx ends or
// every partition channel is closed. Events for one entity must always be
// sent to the same partition.
func (c *Consumer) Run(ctx context.Context, partitions []<-chan Delivery) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, ch := range partitions {
		partition, deliveries := i, ch
		g.Go(func() error {
			logger := log.WithPartition(c.logger, partition)
			logger.Debug().Msg("Partition worker started")
			for {
				select {
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					d.Done(c.Process(ctx, d.Event))
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}
