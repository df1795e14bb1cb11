package realtime

import (
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fanout writes one encoded frame to many connections with at most limit
// sends in flight. A connection whose Send fails is handed to onDead and
// skipped; it never fails the delivery as a whole.
type fanout struct {
	limit  int
	onDead func(Conn)
	logger *zap.Logger
}

func newFanout(limit int, onDead func(Conn), logger *zap.Logger) *fanout {
	if limit < 1 {
		limit = 1
	}
	return &fanout{limit: limit, onDead: onDead, logger: logger}
}

// deliver returns how many connections accepted the frame.
func (f *fanout) deliver(conns []Conn, payload []byte) int {
	if len(conns) == 0 {
		return 0
	}
	// Small rooms are cheaper without goroutines.
	if len(conns) <= f.limit/2 || f.limit == 1 {
		delivered := 0
		for _, conn := range conns {
			if f.sendOne(conn, payload) {
				delivered++
			}
		}
		return delivered
	}

	ok := make([]bool, len(conns))
	var g errgroup.Group
	g.SetLimit(f.limit)
	for i, conn := range conns {
		g.Go(func() error {
			ok[i] = f.sendOne(conn, payload)
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for _, v := range ok {
		if v {
			delivered++
		}
	}
	return delivered
}

func (f *fanout) sendOne(conn Conn, payload []byte) bool {
	if err := conn.Send(payload); err != nil {
		f.logger.Debug("dropping dead connection",
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
		if f.onDead != nil {
			f.onDead(conn)
		}
		return false
	}
	return true
}
