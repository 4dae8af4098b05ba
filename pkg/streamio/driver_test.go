package streamio

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/Daedalus/pkg/arc"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// mockConn is an in-memory Conn delivering published messages synchronously.
type mockConn struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published map[string][][]byte
	pubErr    error
}

type mockSub struct {
	conn    *mockConn
	subject string
}

func (s *mockSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.handlers, s.subject)
	return nil
}

func newMockConn() *mockConn {
	return &mockConn{
		handlers:  make(map[string]nats.MsgHandler),
		published: make(map[string][][]byte),
	}
}

func (c *mockConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return &mockSub{conn: c, subject: subject}, nil
}

func (c *mockConn) Publish(subject string, data []byte) error {
	if c.pubErr != nil {
		return c.pubErr
	}
	c.mu.Lock()
	c.published[subject] = append(c.published[subject], append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

// deliver plays the role of the NATS delivery goroutine.
func (c *mockConn) deliver(subject string, data []byte) bool {
	c.mu.Lock()
	cb, ok := c.handlers[subject]
	c.mu.Unlock()
	if ok {
		cb(&nats.Msg{Subject: subject, Data: data})
	}
	return ok
}

func ports(t *testing.T) []scheduler.Port {
	t.Helper()
	tr, err := mmu.NewTranslator(mmu.Bank{ID: 0, Base: 0x1000, Data: make([]byte, 128)})
	require.NoError(t, err)
	m := arc.NewManager(tr, 2)
	for i := 0; i < 2; i++ {
		base, err := mmu.Encode(0, int32(64*i), 0)
		require.NoError(t, err)
		require.NoError(t, m.Reset(i, base, 16, 0, 0))
	}
	rx, _ := m.Arc(0)
	tx, _ := m.Arc(1)
	return []scheduler.Port{
		{Entry: graph.IOEntry{Arc: 0, Driver: DriverID}, Arc: rx},
		{Entry: graph.IOEntry{Arc: 1, Transmit: true, Driver: DriverID}, Arc: tx},
	}
}

func TestDriverReceivesIntoArc(t *testing.T) {
	conn := newMockConn()
	d := NewDriver(conn, DefaultConfig(), zaptest.NewLogger(t))
	p := ports(t)
	require.NoError(t, d.Open(context.Background(), p))

	require.True(t, conn.deliver("daedalus.arc.0", []byte{1, 2, 3, 4}))
	assert.Equal(t, uint32(4), p[0].Arc.Available())

	// Only twelve more bytes fit.
	conn.deliver("daedalus.arc.0", make([]byte, 20))
	assert.Equal(t, uint32(16), p[0].Arc.Available())
	received, dropped, _ := d.Stats()
	assert.Equal(t, uint64(16), received)
	assert.Equal(t, uint64(8), dropped)

	buf := make([]byte, 4)
	p[0].Arc.Read(buf)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	require.NoError(t, d.Close())
	assert.False(t, conn.deliver("daedalus.arc.0", []byte{1}))
}

func TestDriverFlushPublishesInChunks(t *testing.T) {
	conn := newMockConn()
	d := NewDriver(conn, Config{SubjectPrefix: "dsp", MaxMessage: 4}, nil)
	p := ports(t)
	require.NoError(t, d.Open(context.Background(), p))

	p[1].Arc.Write([]byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, d.Flush(context.Background()))

	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6}}, conn.published["dsp.arc.1"])
	assert.Equal(t, uint32(0), p[1].Arc.Available())
	_, _, published := d.Stats()
	assert.Equal(t, uint64(6), published)
}

func TestDriverPublishFailureKeepsData(t *testing.T) {
	conn := newMockConn()
	conn.pubErr = errors.New("no responders")
	d := NewDriver(conn, DefaultConfig(), nil)
	p := ports(t)
	require.NoError(t, d.Open(context.Background(), p))

	p[1].Arc.Write([]byte{9, 9})
	err := d.Flush(context.Background())
	assert.ErrorIs(t, err, conn.pubErr)
	assert.Equal(t, uint32(2), p[1].Arc.Available())
}

func TestDriverWithoutConnection(t *testing.T) {
	d := NewDriver(nil, DefaultConfig(), nil)
	assert.Error(t, d.Open(context.Background(), nil))
}

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	assert.Error(t, err)
	_, err = Connect(context.Background(), &ConnectionConfig{}, nil)
	assert.Error(t, err)
	assert.NoError(t, Close(nil))

	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "daedalus", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
}
